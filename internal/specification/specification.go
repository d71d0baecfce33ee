// Package specification loads and validates assessment specifications.
package specification

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/tpv"
)

// Load reads a YAML specification file, fills defaults and validates it.
func Load(path string) (*model.Specification, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a YAML specification, fills defaults and validates it.
func Parse(r io.Reader) (*model.Specification, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var spec model.Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", model.ErrSpec, err)
	}
	for i := range spec.Questions {
		if spec.Questions[i].Select == "" {
			spec.Questions[i].Select = model.SelectShuffle
		}
		if spec.Questions[i].Label == "" {
			spec.Questions[i].Label = fmt.Sprintf("Q%d", i+1)
		}
	}
	if spec.PublicCode == "" {
		code, err := NewPublicCode()
		if err != nil {
			return nil, err
		}
		spec.PublicCode = code
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// NewPublicCode returns a random six digit public code.
func NewPublicCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(tpv.MaxPublicCode+1))
	if err != nil {
		return "", fmt.Errorf("generate public code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Validate checks the structural rules of a specification. Every page
// must belong to exactly one of the ID page, the do-not-mark pages or a
// question. All errors wrap model.ErrSpec.
func Validate(s *model.Specification) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", model.ErrSpec, fmt.Sprintf(format, args...))
	}
	if s.NumberOfPages < 1 || s.NumberOfPages > tpv.MaxPage {
		return fail("numberOfPages %d out of range [1, %d]", s.NumberOfPages, tpv.MaxPage)
	}
	if s.NumberOfVersions < 1 || s.NumberOfVersions > tpv.MaxVersion {
		return fail("numberOfVersions %d out of range [1, %d]", s.NumberOfVersions, tpv.MaxVersion)
	}
	if s.NumberToProduce < 1 || s.NumberToProduce > tpv.MaxTest {
		return fail("numberToProduce %d out of range [1, %d]", s.NumberToProduce, tpv.MaxTest)
	}
	if _, err := tpv.ParsePublicCode(s.PublicCode); err != nil {
		return fail("%v", err)
	}
	if len(s.Questions) == 0 {
		return fail("no questions")
	}

	owner := make(map[int]string, s.NumberOfPages)
	claim := func(page int, who string) error {
		if page < 1 || page > s.NumberOfPages {
			return fail("%s: page %d out of range [1, %d]", who, page, s.NumberOfPages)
		}
		if prev, ok := owner[page]; ok {
			return fail("page %d claimed by both %s and %s", page, prev, who)
		}
		owner[page] = who
		return nil
	}

	if s.IDPage != 0 {
		if err := claim(s.IDPage, "id page"); err != nil {
			return err
		}
	}
	for _, p := range s.DoNotMarkPages {
		if err := claim(p, "do-not-mark pages"); err != nil {
			return err
		}
	}
	for i, q := range s.Questions {
		who := fmt.Sprintf("question %d", i+1)
		if len(q.Pages) == 0 {
			return fail("%s has no pages", who)
		}
		switch q.Select {
		case model.SelectFixed, model.SelectShuffle, model.SelectCycle:
		default:
			return fail("%s: unknown selection %q", who, q.Select)
		}
		for _, p := range q.Pages {
			if err := claim(p, who); err != nil {
				return err
			}
		}
		sorted := slices.Clone(q.Pages)
		slices.Sort(sorted)
		for j := 1; j < len(sorted); j++ {
			if sorted[j] != sorted[j-1]+1 {
				return fail("%s pages are not contiguous", who)
			}
		}
	}
	for p := 1; p <= s.NumberOfPages; p++ {
		if _, ok := owner[p]; !ok {
			return fail("page %d is not used", p)
		}
	}
	return nil
}
