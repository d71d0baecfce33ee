// Package qr reads the identity codes in the corners of a page image and
// works out how the page has to be rotated to be upright.
//
// Corners are numbered counter-clockwise starting top right: 1 NE, 2 NW,
// 3 SW, 4 SE. Every page is printed with three codes. Odd pages carry
// codes in NE, SW and SE; even pages in NW, SW and SE. The free top
// corner is the staple corner. The orientation digit of each code is the
// corner it was printed in, so a code printed at corner p and found at
// corner o tells us the page needs ((p - o) mod 4) quarter turns
// counter-clockwise to be upright.
package qr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/tpv"
)

// Corner indices.
const (
	NE = 1
	NW = 2
	SW = 3
	SE = 4
)

// CornerName returns a short name for a corner index.
func CornerName(c int) string {
	switch c {
	case NE:
		return "NE"
	case NW:
		return "NW"
	case SW:
		return "SW"
	case SE:
		return "SE"
	}
	return fmt.Sprintf("corner(%d)", c)
}

// Layout returns the corners a page is printed with.
func Layout(page int) []int {
	if page%2 == 1 {
		return []int{NE, SW, SE}
	}
	return []int{NW, SW, SE}
}

func inLayout(page, corner int) bool {
	for _, c := range Layout(page) {
		if c == corner {
			return true
		}
	}
	return false
}

// DefaultFraction is the share of width and height a corner region spans.
const DefaultFraction = 0.35

// CornerRect returns the region of b covered by a corner.
func CornerRect(b image.Rectangle, corner int, fraction float64) image.Rectangle {
	w := int(float64(b.Dx()) * fraction)
	h := int(float64(b.Dy()) * fraction)
	switch corner {
	case NE:
		return image.Rect(b.Max.X-w, b.Min.Y, b.Max.X, b.Min.Y+h)
	case NW:
		return image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Min.Y+h)
	case SW:
		return image.Rect(b.Min.X, b.Max.Y-h, b.Min.X+w, b.Max.Y)
	case SE:
		return image.Rect(b.Max.X-w, b.Max.Y-h, b.Max.X, b.Max.Y)
	}
	return image.Rectangle{}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropped is a view of part of an image for types without SubImage.
type cropped struct {
	image.Image
	r image.Rectangle
}

func (c cropped) Bounds() image.Rectangle { return c.r }

func crop(img image.Image, r image.Rectangle) image.Image {
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	return cropped{Image: img, r: r.Intersect(img.Bounds())}
}

// Extractor decodes the corner codes of page images.
type Extractor struct {
	Decoder    Decoder
	Fraction   float64
	PublicCode int
}

// NewExtractor returns an Extractor using gozxing and the default corner size.
func NewExtractor(publicCode int) *Extractor {
	return &Extractor{Decoder: ZXing{}, Fraction: DefaultFraction, PublicCode: publicCode}
}

// Extract decodes each corner independently. Payloads that are not ours
// are dropped. Payloads that are ours but out of range, or carry another
// run's public code, are kept as flagged reads.
func (e *Extractor) Extract(ctx context.Context, img image.Image) ([]model.QRRead, error) {
	fraction := e.Fraction
	if fraction <= 0 || fraction > 0.5 {
		fraction = DefaultFraction
	}
	var reads []model.QRRead
	for _, corner := range []int{NE, NW, SW, SE} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := e.Decoder.Decode(crop(img, CornerRect(img.Bounds(), corner, fraction)))
		if err != nil || payload == "" {
			continue
		}
		read, ok := e.interpret(corner, payload)
		if !ok {
			slog.Debug("ignoring foreign QR code", "corner", CornerName(corner), "payload", payload)
			continue
		}
		reads = append(reads, read)
	}
	return reads, nil
}

func (e *Extractor) interpret(corner int, payload string) (model.QRRead, bool) {
	code, err := tpv.Decode(payload)
	var fe *tpv.FormatError
	if errors.As(err, &fe) {
		return model.QRRead{}, false
	}
	read := model.QRRead{
		Corner:      corner,
		Payload:     payload,
		Status:      model.ReadValid,
		Paper:       code.Test,
		Page:        code.Page,
		Version:     code.Version,
		Orientation: code.Orientation,
		PublicCode:  code.PublicCode,
	}
	var re *tpv.RangeError
	switch {
	case errors.As(err, &re):
		read.Status = model.ReadFlagged
		read.Error = model.ReasonCorruptCode
	case err != nil:
		read.Status = model.ReadFlagged
		read.Error = model.ReasonCorruptCode
	case code.PublicCode != e.PublicCode:
		read.Status = model.ReadFlagged
		read.Error = model.ReasonPublicCode
	}
	return read, true
}

// Status summarizes what the corner reads of a page establish.
type Status string

const (
	// Identified means at least two valid reads agree on one identity and rotation.
	Identified Status = "identified"
	// Insufficient means fewer than two valid reads and nothing suspicious.
	Insufficient Status = "insufficient"
	// Invalid means the reads are ours but contradictory or corrupted.
	Invalid Status = "invalid"
)

// MinReads is the number of consistent valid reads needed to identify a page.
const MinReads = 2

// Resolution is the outcome of resolving the reads of one page.
type Resolution struct {
	Status   Status
	Paper    int
	Page     int
	Version  int
	Rotation int
	Valid    int
	Reason   string
}

// Resolve combines the corner reads of one page.
func Resolve(reads []model.QRRead) Resolution {
	var valid []model.QRRead
	reason := ""
	for _, r := range reads {
		if r.Status == model.ReadFlagged {
			// Public code mismatches outrank corrupt codes in the reason.
			if reason == "" || r.Error == model.ReasonPublicCode {
				reason = r.Error
			}
			continue
		}
		valid = append(valid, r)
	}
	if reason != "" {
		return Resolution{Status: Invalid, Valid: len(valid), Reason: reason}
	}
	if len(valid) < MinReads {
		return Resolution{Status: Insufficient, Valid: len(valid), Reason: model.ReasonInsufficientCodes}
	}

	first := valid[0]
	rotation := -1
	for _, r := range valid {
		if r.Paper != first.Paper || r.Page != first.Page || r.Version != first.Version {
			return Resolution{Status: Invalid, Valid: len(valid), Reason: model.ReasonConflictingCodes}
		}
		if r.Orientation == 0 {
			continue
		}
		if !inLayout(r.Page, r.Orientation) {
			return Resolution{Status: Invalid, Valid: len(valid), Reason: model.ReasonUnexpectedCorner}
		}
		rot := ((r.Orientation - r.Corner + 8) % 4) * 90
		if rotation >= 0 && rot != rotation {
			return Resolution{Status: Invalid, Valid: len(valid), Reason: model.ReasonOrientation}
		}
		rotation = rot
	}
	if rotation < 0 {
		rotation = 0
	}
	return Resolution{
		Status:   Identified,
		Paper:    first.Paper,
		Page:     first.Page,
		Version:  first.Version,
		Rotation: rotation,
		Valid:    len(valid),
	}
}

// NormalizeRotation maps any multiple of 90 into [0, 360).
func NormalizeRotation(deg int) (int, error) {
	if deg%90 != 0 {
		return 0, fmt.Errorf("rotation %d is not a multiple of 90", deg)
	}
	return ((deg % 360) + 360) % 360, nil
}
