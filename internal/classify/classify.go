// Package classify decides the staging classification of a page from its
// resolved corner codes and the state of the paper database.
package classify

import (
	"context"
	"fmt"

	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
)

// Lookup answers slot questions. Answers may be slightly stale; push
// re-validates against current state.
type Lookup interface {
	GetSlot(ctx context.Context, paper, page int) (*model.PageSlot, error)
	GetSlotImage(ctx context.Context, paper, page int) (*model.Image, error)
	FindImageByHash(ctx context.Context, hash string) (*model.Image, error)
}

// Outcome is the classification of one staged page.
type Outcome struct {
	Classification model.Classification
	Reason         string
	Paper          int
	Page           int
	Version        int
	// Duplicate is set when the slot already holds an image with the
	// same content. The page is known and pushing it is a no-op.
	Duplicate bool
	// ExistingImageID is the image filling the slot, if any.
	ExistingImageID int64
}

// Classify maps a resolution and the hash of the page bytes to an
// outcome. Bytes identical to a committed image are a duplicate of that
// image whatever the codes say. A resolution status outside the known set
// is an error, never a default.
func Classify(ctx context.Context, res qr.Resolution, hash string, lookup Lookup) (Outcome, error) {
	if dup, ok, err := committed(ctx, hash, lookup); err != nil || ok {
		return dup, err
	}

	switch res.Status {
	case qr.Insufficient:
		return Outcome{Classification: model.ClassUnknown, Reason: model.ReasonInsufficientCodes}, nil
	case qr.Invalid:
		return Outcome{Classification: model.ClassError, Reason: res.Reason}, nil
	case qr.Identified:
	default:
		return Outcome{}, fmt.Errorf("%w: resolution status %q", model.ErrInvalidTransition, res.Status)
	}

	out := Outcome{Paper: res.Paper, Page: res.Page, Version: res.Version}
	slot, err := lookup.GetSlot(ctx, res.Paper, res.Page)
	if err != nil {
		return Outcome{}, fmt.Errorf("look up slot (%d, %d): %w", res.Paper, res.Page, err)
	}
	if slot == nil {
		out.Classification = model.ClassError
		out.Reason = model.ReasonOutOfRange
		return out, nil
	}
	if slot.ExpectedVersion != res.Version {
		out.Classification = model.ClassError
		out.Reason = model.ReasonVersionMismatch
		return out, nil
	}
	return Slot(ctx, out, hash, lookup)
}

func committed(ctx context.Context, hash string, lookup Lookup) (Outcome, bool, error) {
	if hash == "" {
		return Outcome{}, false, nil
	}
	img, err := lookup.FindImageByHash(ctx, hash)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("look up image by hash: %w", err)
	}
	if img == nil {
		return Outcome{}, false, nil
	}
	slot, err := lookup.GetSlot(ctx, img.Paper, img.Page)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("look up slot (%d, %d): %w", img.Paper, img.Page, err)
	}
	if slot == nil {
		return Outcome{}, false, nil
	}
	return Outcome{
		Classification:  model.ClassKnown,
		Reason:          model.ReasonDuplicate,
		Paper:           img.Paper,
		Page:            img.Page,
		Version:         slot.ExpectedVersion,
		Duplicate:       true,
		ExistingImageID: img.ID,
	}, true, nil
}

// Slot checks occupancy of the slot an outcome points at and settles
// known, duplicate or colliding. It is shared by classification and
// operator assignment.
func Slot(ctx context.Context, out Outcome, hash string, lookup Lookup) (Outcome, error) {
	img, err := lookup.GetSlotImage(ctx, out.Paper, out.Page)
	if err != nil {
		return Outcome{}, fmt.Errorf("look up image of slot (%d, %d): %w", out.Paper, out.Page, err)
	}
	switch {
	case img == nil:
		out.Classification = model.ClassKnown
		out.Reason = model.ReasonNone
	case img.Hash == hash:
		out.Classification = model.ClassKnown
		out.Reason = model.ReasonDuplicate
		out.Duplicate = true
		out.ExistingImageID = img.ID
	default:
		out.Classification = model.ClassColliding
		out.Reason = model.ReasonCollision
		out.ExistingImageID = img.ID
	}
	return out, nil
}
