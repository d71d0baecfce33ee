// Package versionmap builds and checks the frozen assignment of question
// versions to papers.
package versionmap

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"strconv"

	"github.com/pavelanni/paperscan/internal/model"
)

// Build derives the version map for spec. Shuffled questions draw from a
// PCG source seeded with (seed, 0), visiting papers and questions in
// ascending order, so the same spec and seed always give the same map.
// With seed 42 and two versions the first shuffled draw is version 2.
func Build(spec *model.Specification, seed uint64) (model.VersionMap, error) {
	if spec.NumberToProduce < 1 {
		return nil, fmt.Errorf("%w: numberToProduce %d < 1", model.ErrSpec, spec.NumberToProduce)
	}
	if spec.NumberOfVersions < 1 {
		return nil, fmt.Errorf("%w: numberOfVersions %d < 1", model.ErrSpec, spec.NumberOfVersions)
	}
	for i, q := range spec.Questions {
		if len(q.Pages) == 0 {
			return nil, fmt.Errorf("%w: question %d has no pages", model.ErrSpec, i+1)
		}
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	vmap := make(model.VersionMap, spec.NumberToProduce)
	for paper := 1; paper <= spec.NumberToProduce; paper++ {
		row := make(map[int]int, len(spec.Questions))
		for i, q := range spec.Questions {
			question := i + 1
			switch q.Select {
			case model.SelectFixed:
				row[question] = 1
			case model.SelectCycle:
				row[question] = (paper-1)%spec.NumberOfVersions + 1
			case model.SelectShuffle:
				row[question] = rng.IntN(spec.NumberOfVersions) + 1
			default:
				return nil, fmt.Errorf("%w: question %d: unknown selection %q", model.ErrSpec, question, q.Select)
			}
		}
		vmap[paper] = row
	}
	return vmap, nil
}

// Check confirms that vmap covers every produced paper with exactly one
// in-range version per question.
func Check(vmap model.VersionMap, spec *model.Specification) error {
	if len(vmap) != spec.NumberToProduce {
		return fmt.Errorf("%w: version map has %d papers, want %d", model.ErrSpec, len(vmap), spec.NumberToProduce)
	}
	nq := spec.NumberOfQuestions()
	for paper := 1; paper <= spec.NumberToProduce; paper++ {
		row, ok := vmap[paper]
		if !ok {
			return fmt.Errorf("%w: version map missing paper %d", model.ErrSpec, paper)
		}
		if len(row) != nq {
			return fmt.Errorf("%w: paper %d has %d questions, want %d", model.ErrSpec, paper, len(row), nq)
		}
		for q := 1; q <= nq; q++ {
			v, ok := row[q]
			if !ok {
				return fmt.Errorf("%w: paper %d missing question %d", model.ErrSpec, paper, q)
			}
			if v < 1 || v > spec.NumberOfVersions {
				return fmt.Errorf("%w: paper %d question %d version %d out of range [1, %d]",
					model.ErrSpec, paper, q, v, spec.NumberOfVersions)
			}
		}
	}
	return nil
}

// ExpectedVersion returns the version expected on the given page of the
// given paper. ID and do-not-mark pages are always version 1.
func ExpectedVersion(vmap model.VersionMap, spec *model.Specification, paper, page int) (int, error) {
	row, ok := vmap[paper]
	if !ok {
		return 0, fmt.Errorf("paper %d: %w", paper, model.ErrNotFound)
	}
	kind, question, ok := spec.PageOwner(page)
	if !ok {
		return 0, fmt.Errorf("page %d: %w", page, model.ErrNotFound)
	}
	if kind != model.KindQuestion {
		return 1, nil
	}
	v, ok := row[question]
	if !ok {
		return 0, fmt.Errorf("paper %d question %d: %w", paper, question, model.ErrNotFound)
	}
	return v, nil
}

// Slots lays out the page slots of one paper.
func Slots(vmap model.VersionMap, spec *model.Specification, paper int) ([]model.PageSlot, error) {
	slots := make([]model.PageSlot, 0, spec.NumberOfPages)
	for page := 1; page <= spec.NumberOfPages; page++ {
		kind, question, ok := spec.PageOwner(page)
		if !ok {
			return nil, fmt.Errorf("%w: page %d is not used", model.ErrSpec, page)
		}
		v, err := ExpectedVersion(vmap, spec, paper, page)
		if err != nil {
			return nil, err
		}
		slots = append(slots, model.PageSlot{
			Paper:           paper,
			Page:            page,
			Kind:            kind,
			Question:        question,
			ExpectedVersion: v,
		})
	}
	return slots, nil
}

// WriteCSV writes vmap with a header "paper_number,q1.version,...".
func WriteCSV(w io.Writer, vmap model.VersionMap, numQuestions int) error {
	cw := csv.NewWriter(w)
	header := []string{"paper_number"}
	for q := 1; q <= numQuestions; q++ {
		header = append(header, fmt.Sprintf("q%d.version", q))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	papers := make([]int, 0, len(vmap))
	for p := range vmap {
		papers = append(papers, p)
	}
	slices.Sort(papers)
	for _, p := range papers {
		rec := []string{strconv.Itoa(p)}
		for q := 1; q <= numQuestions; q++ {
			rec = append(rec, strconv.Itoa(vmap[p][q]))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a version map written by WriteCSV.
func ReadCSV(r io.Reader) (model.VersionMap, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read version map: %v", model.ErrSpec, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty version map", model.ErrSpec)
	}
	header := records[0]
	if len(header) < 2 || header[0] != "paper_number" {
		return nil, fmt.Errorf("%w: unexpected version map header %v", model.ErrSpec, header)
	}
	vmap := make(model.VersionMap, len(records)-1)
	for i, rec := range records[1:] {
		paper, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: paper number %q", model.ErrSpec, i+2, rec[0])
		}
		if _, dup := vmap[paper]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate paper %d", model.ErrSpec, i+2, paper)
		}
		row := make(map[int]int, len(rec)-1)
		for j, cell := range rec[1:] {
			v, err := strconv.Atoi(cell)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: version %q", model.ErrSpec, i+2, cell)
			}
			row[j+1] = v
		}
		vmap[paper] = row
	}
	return vmap, nil
}

// PageVersions returns the expected version of every page of a paper.
func PageVersions(vmap model.VersionMap, spec *model.Specification, paper int) (map[int]int, error) {
	slots, err := Slots(vmap, spec, paper)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(slots))
	for _, sl := range slots {
		out[sl.Page] = sl.ExpectedVersion
	}
	return out, nil
}
