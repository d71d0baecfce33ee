package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/store"
)

func requireUnconsumed(row *store.StagingRow) error {
	if row.Consumed() {
		return fmt.Errorf("%w: staging image %d already committed", model.ErrInvalidTransition, row.ID)
	}
	return nil
}

func requireClass(row *store.StagingRow, want model.Classification, op string) error {
	if err := requireUnconsumed(row); err != nil {
		return err
	}
	if row.Classification != want {
		return fmt.Errorf("%w: %s needs a %s page, staging image %d is %s",
			model.ErrInvalidTransition, op, want, row.ID, row.Classification)
	}
	return nil
}

// transition records a classification change if the state machine allows it.
func transition(ctx context.Context, tx *store.Store, row *store.StagingRow, to model.Classification, reason string, paper, page, version int, questions []int) error {
	if !model.CanTransition(row.Classification, to) {
		return &model.TransitionError{StagingID: row.ID, From: row.Classification, To: to}
	}
	if err := tx.Classify(ctx, row.ID, to, reason, paper, page, version, questions); err != nil {
		return err
	}
	row.Classification, row.Reason = to, reason
	row.Paper, row.Page, row.Version, row.Questions = paper, page, version, questions
	return nil
}

// commit creates the image of a known staging row, consumes the row and
// marks its bundle pushed. The slot must be verified free by the caller.
func commit(ctx context.Context, tx *store.Store, row *store.StagingRow) (int64, error) {
	id, err := tx.InsertImage(ctx, model.Image{
		Paper:       row.Paper,
		Page:        row.Page,
		Hash:        row.Hash,
		BlobKey:     row.BlobKey,
		Rotation:    row.Rotation,
		BundleID:    row.BundleID,
		BundleOrder: row.BundleOrder,
		StagingID:   row.ID,
		PushedAt:    time.Now(),
		PushedBy:    model.ActorFromContext(ctx),
	})
	if err != nil {
		return 0, err
	}
	if err := tx.MarkConsumed(ctx, row.ID, id); err != nil {
		return 0, err
	}
	if err := tx.MarkBundlePushed(ctx, row.BundleID); err != nil {
		return 0, err
	}
	return id, nil
}

// Push commits a known staging image into its slot. The slot is re-checked
// under a per-slot lock inside the transaction. If another image owns the
// slot the page is reclassified colliding and *model.SlotOccupiedError is
// returned. If the owner has identical content the page is consumed
// against it and nothing new is committed.
func (s *Service) Push(ctx context.Context, stagingID int64) (*model.PushResult, error) {
	res, err := s.push(ctx, stagingID)
	label := resultLabel(err)
	if err == nil && res.Duplicate {
		label = "duplicate"
	}
	s.metrics.Pushes.WithLabelValues(label).Inc()
	return res, err
}

func (s *Service) push(ctx context.Context, stagingID int64) (*model.PushResult, error) {
	row, err := s.store.GetStaging(ctx, stagingID)
	if err != nil {
		return nil, err
	}
	if err := requireClass(row, model.ClassKnown, "push"); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(row.Paper, row.Page)
	defer unlock()

	res := &model.PushResult{StagingID: row.ID, BundleOrder: row.BundleOrder}
	var conflict error
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		// The row may have changed while waiting for the slot.
		cur, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireClass(cur, model.ClassKnown, "push"); err != nil {
			return err
		}
		slot, err := tx.GetSlot(ctx, cur.Paper, cur.Page)
		if err != nil {
			return err
		}
		if slot == nil || slot.ExpectedVersion != cur.Version {
			reason := model.ReasonOutOfRange
			if slot != nil {
				reason = model.ReasonVersionMismatch
			}
			conflict = fmt.Errorf("%w: slot (%d, %d) no longer accepts staging image %d (%s)",
				model.ErrInvalidTransition, cur.Paper, cur.Page, cur.ID, reason)
			return transition(ctx, tx, cur, model.ClassError, reason, cur.Paper, cur.Page, cur.Version, nil)
		}

		owner, err := tx.GetSlotImage(ctx, cur.Paper, cur.Page)
		if err != nil {
			return err
		}
		if owner != nil && owner.Hash == cur.Hash {
			res.ImageID = owner.ID
			res.Duplicate = true
			if err := tx.MarkConsumed(ctx, cur.ID, owner.ID); err != nil {
				return err
			}
			return tx.MarkBundlePushed(ctx, cur.BundleID)
		}
		if owner == nil {
			id, err := commit(ctx, tx, cur)
			var occ *model.SlotOccupiedError
			if !errors.As(err, &occ) {
				res.ImageID = id
				return err
			}
			owner = &model.Image{ID: occ.ImageID}
		}
		conflict = &model.SlotOccupiedError{Paper: cur.Paper, Page: cur.Page, ImageID: owner.ID}
		return transition(ctx, tx, cur, model.ClassColliding, model.ReasonCollision, cur.Paper, cur.Page, cur.Version, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("push staging image %d: %w", stagingID, err)
	}
	if conflict != nil {
		slog.Warn("push rejected", "staging", stagingID, "paper", row.Paper, "page", row.Page, "error", conflict)
		res.Error = conflict.Error()
		return res, conflict
	}
	slog.Info("page pushed", "staging", stagingID, "bundle", row.BundleID, "order", row.BundleOrder,
		"paper", row.Paper, "page", row.Page, "image", res.ImageID, "duplicate", res.Duplicate,
		"by", model.ActorFromContext(ctx))
	return res, nil
}

// PushAll pushes every known, unconsumed page of a bundle in bundle
// order. Per-page failures are reported in the results; only failures
// to list the bundle abort.
func (s *Service) PushAll(ctx context.Context, bundleID string) ([]model.PushResult, error) {
	if _, err := s.store.GetBundle(ctx, bundleID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListStaging(ctx, bundleID, store.StagingFilter{
		Classifications: []model.Classification{model.ClassKnown},
		Unconsumed:      true,
	})
	if err != nil {
		return nil, err
	}
	results := make([]model.PushResult, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.Push(ctx, row.ID)
		if res == nil {
			res = &model.PushResult{StagingID: row.ID, BundleOrder: row.BundleOrder}
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, *res)
	}
	return results, nil
}

// Decision settles a collision.
type Decision string

const (
	// KeepExisting discards the colliding page and keeps the committed one.
	KeepExisting Decision = "keep"
	// ReplaceExisting discards the committed image and commits the colliding page.
	ReplaceExisting Decision = "replace"
)

// ParseDecision validates a collision decision.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case KeepExisting, ReplaceExisting:
		return d, nil
	}
	return "", fmt.Errorf("unknown collision decision %q (want keep or replace)", s)
}

// ResolveCollision settles a colliding staging image. Keep sends it to the
// discard ledger. Replace moves the committed image to the ledger and
// commits the staging image in the same transaction; it fails with
// model.ErrBundlePushed when the committed image's bundle is locked,
// unless force is set.
func (s *Service) ResolveCollision(ctx context.Context, stagingID int64, decision Decision, force bool) (*model.PushResult, error) {
	row, err := s.store.GetStaging(ctx, stagingID)
	if err != nil {
		return nil, err
	}
	if err := requireClass(row, model.ClassColliding, "resolve"); err != nil {
		return nil, err
	}
	switch decision {
	case KeepExisting:
		if err := s.Discard(ctx, stagingID, model.ReasonCollision); err != nil {
			return nil, err
		}
		return &model.PushResult{StagingID: row.ID, BundleOrder: row.BundleOrder}, nil
	case ReplaceExisting:
	default:
		return nil, fmt.Errorf("unknown collision decision %q", decision)
	}

	unlock := s.locks.lock(row.Paper, row.Page)
	defer unlock()

	res := &model.PushResult{StagingID: row.ID, BundleOrder: row.BundleOrder}
	var replaced int64
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		cur, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireClass(cur, model.ClassColliding, "resolve"); err != nil {
			return err
		}
		owner, err := tx.GetSlotImage(ctx, cur.Paper, cur.Page)
		if err != nil {
			return err
		}
		if owner != nil && owner.Hash == cur.Hash {
			if err := transition(ctx, tx, cur, model.ClassKnown, model.ReasonDuplicate, cur.Paper, cur.Page, cur.Version, nil); err != nil {
				return err
			}
			res.ImageID, res.Duplicate = owner.ID, true
			return tx.MarkConsumed(ctx, cur.ID, owner.ID)
		}
		if owner != nil {
			if err := discardImage(ctx, tx, owner, model.ReasonCollision, force); err != nil {
				return err
			}
			replaced = owner.ID
		}
		if err := transition(ctx, tx, cur, model.ClassKnown, model.ReasonNone, cur.Paper, cur.Page, cur.Version, nil); err != nil {
			return err
		}
		res.ImageID, err = commit(ctx, tx, cur)
		return err
	})
	s.metrics.Pushes.WithLabelValues("replace_" + resultLabel(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("replace slot (%d, %d): %w", row.Paper, row.Page, err)
	}
	slog.Info("collision resolved", "staging", stagingID, "paper", row.Paper, "page", row.Page,
		"replaced", replaced, "image", res.ImageID, "by", model.ActorFromContext(ctx))
	return res, nil
}

// discardImage moves a committed image to the ledger and frees its slot.
func discardImage(ctx context.Context, tx *store.Store, img *model.Image, reason string, force bool) error {
	b, err := tx.GetBundle(ctx, img.BundleID)
	if err != nil {
		return err
	}
	if b.Locked && !force {
		return fmt.Errorf("%w: image %d belongs to locked bundle %s", model.ErrBundlePushed, img.ID, b.ID)
	}
	_, err = tx.AppendDiscard(ctx, model.Discard{
		Kind:        model.DiscardImage,
		StagingID:   img.StagingID,
		ImageID:     img.ID,
		BundleID:    img.BundleID,
		BundleOrder: img.BundleOrder,
		Paper:       img.Paper,
		Page:        img.Page,
		Hash:        img.Hash,
		Rotation:    img.Rotation,
		Reason:      reason,
		DiscardedBy: model.ActorFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("append discard: %w", err)
	}
	return tx.DeleteImage(ctx, img.ID)
}

// DiscardImage moves a committed image to the discard ledger. The slot is
// freed and stays empty until another page is pushed.
func (s *Service) DiscardImage(ctx context.Context, imageID int64, reason string, force bool) error {
	img, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(img.Paper, img.Page)
	defer unlock()

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		cur, err := tx.GetImage(ctx, imageID)
		if err != nil {
			return err
		}
		return discardImage(ctx, tx, cur, orOperator(reason), force)
	})
	if err != nil {
		return fmt.Errorf("discard image %d: %w", imageID, err)
	}
	slog.Info("image discarded", "image", imageID, "paper", img.Paper, "page", img.Page,
		"by", model.ActorFromContext(ctx))
	return nil
}

func orOperator(reason string) string {
	if reason == "" {
		return model.ReasonOperator
	}
	return reason
}
