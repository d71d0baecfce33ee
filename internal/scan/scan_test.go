package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/pavelanni/paperscan/internal/bundle"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
	"github.com/pavelanni/paperscan/internal/store"
	"github.com/pavelanni/paperscan/internal/tpv"
	"github.com/pavelanni/paperscan/internal/versionmap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testPublic = "123456"
	pageSize   = 100
)

// pageCodes maps a corner to the payload printed there.
type pageCodes map[int]string

// tokenDecoder identifies a test page by its uniform gray level and
// returns the payload registered for the corner being decoded.
type tokenDecoder struct {
	pages map[uint8]pageCodes
}

func (d *tokenDecoder) Decode(img image.Image) (string, error) {
	b := img.Bounds()
	g := color.GrayModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.Gray)
	codes, ok := d.pages[g.Y]
	if !ok {
		return "", errors.New("no code")
	}
	for corner := qr.NE; corner <= qr.SE; corner++ {
		if qr.CornerRect(image.Rect(0, 0, pageSize, pageSize), corner, qr.DefaultFraction).Min == b.Min {
			if p, ok := codes[corner]; ok {
				return p, nil
			}
		}
	}
	return "", errors.New("no code")
}

type fixture struct {
	svc   *Service
	store *store.Store
	dec   *tokenDecoder
	spec  *model.Specification
	vmap  model.VersionMap
}

func testSpec() *model.Specification {
	return &model.Specification{
		Name:             "midterm",
		LongName:         "Midterm exam",
		NumberOfPages:    6,
		NumberOfVersions: 2,
		NumberToProduce:  3,
		PublicCode:       testPublic,
		IDPage:           1,
		DoNotMarkPages:   []int{2},
		Questions: []model.QuestionSpec{
			{Label: "Q1", Pages: []int{3, 4}, Select: model.SelectShuffle, Mark: 10},
			{Label: "Q2", Pages: []int{5, 6}, Select: model.SelectFixed, Mark: 10},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs, err := bundle.NewDirBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBlobs: %v", err)
	}
	dec := &tokenDecoder{pages: make(map[uint8]pageCodes)}
	spec := testSpec()
	vmap, err := versionmap.Build(spec, 42)
	if err != nil {
		t.Fatalf("versionmap.Build: %v", err)
	}
	svc := New(st, blobs, Config{Workers: 4, Decoder: dec})
	if err := svc.CreatePapers(context.Background(), spec, vmap); err != nil {
		t.Fatalf("CreatePapers: %v", err)
	}
	return &fixture{svc: svc, store: st, dec: dec, spec: spec, vmap: vmap}
}

// q1Version is the version of question 1 (pages 3 and 4) on paper.
func (f *fixture) q1Version(paper int) int {
	return f.vmap[paper][1]
}

func printed(paper, page, version int) pageCodes {
	codes := pageCodes{}
	for _, c := range qr.Layout(page) {
		codes[c] = tpv.MustEncode(tpv.Code{Test: paper, Page: page, Version: version, Orientation: c, PublicCode: 123456})
	}
	return codes
}

func pagePNG(t *testing.T, token uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, pageSize, pageSize))
	for i := range img.Pix {
		img.Pix[i] = token
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// writeBundle writes one page image per token, in order.
func writeBundle(t *testing.T, tokens ...uint8) string {
	t.Helper()
	dir := t.TempDir()
	for i, tok := range tokens {
		name := filepath.Join(dir, fmt.Sprintf("page-%03d.png", i+1))
		if err := os.WriteFile(name, pagePNG(t, tok), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func (f *fixture) ingest(t *testing.T, tokens ...uint8) ([]model.StagingImage, *IngestResult) {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Ingest(ctx, writeBundle(t, tokens...))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	rows, err := f.store.ListStaging(ctx, res.Bundle.ID, store.StagingFilter{})
	if err != nil {
		t.Fatalf("ListStaging: %v", err)
	}
	out := make([]model.StagingImage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.StagingImage)
	}
	return out, res
}

func (f *fixture) staging(t *testing.T, id int64) *model.StagingImage {
	t.Helper()
	img, err := f.svc.Staging(context.Background(), id)
	if err != nil {
		t.Fatalf("Staging(%d): %v", id, err)
	}
	return img
}
