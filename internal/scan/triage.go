package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/paperscan/internal/classify"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
	"github.com/pavelanni/paperscan/internal/store"
)

// Discard moves an unconsumed staging image to the discard ledger.
func (s *Service) Discard(ctx context.Context, stagingID int64, reason string) error {
	reason = orOperator(reason)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireUnconsumed(row); err != nil {
			return err
		}
		if !model.CanTransition(row.Classification, model.ClassDiscarded) {
			return &model.TransitionError{StagingID: row.ID, From: row.Classification, To: model.ClassDiscarded}
		}
		_, err = tx.AppendDiscard(ctx, model.Discard{
			Kind:        model.DiscardStaging,
			StagingID:   row.ID,
			BundleID:    row.BundleID,
			BundleOrder: row.BundleOrder,
			Paper:       row.Paper,
			Page:        row.Page,
			Hash:        row.Hash,
			Rotation:    row.Rotation,
			Reason:      reason,
			DiscardedBy: model.ActorFromContext(ctx),
		})
		if err != nil {
			return fmt.Errorf("append discard: %w", err)
		}
		return transition(ctx, tx, row, model.ClassDiscarded, reason, row.Paper, row.Page, row.Version, row.Questions)
	})
	if err != nil {
		return fmt.Errorf("discard staging image %d: %w", stagingID, err)
	}
	slog.Info("staging image discarded", "staging", stagingID, "reason", reason, "by", model.ActorFromContext(ctx))
	return nil
}

// Rotate adds delta degrees to the rotation of a staging image. Only
// multiples of 90 are accepted, and only while the owning bundle has not
// been pushed.
func (s *Service) Rotate(ctx context.Context, stagingID int64, delta int) (int, error) {
	if _, err := qr.NormalizeRotation(delta); err != nil {
		return 0, err
	}
	var rotation int
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireUnconsumed(row); err != nil {
			return err
		}
		b, err := tx.GetBundle(ctx, row.BundleID)
		if err != nil {
			return err
		}
		if b.Pushed {
			return fmt.Errorf("%w: bundle %s", model.ErrBundlePushed, b.ID)
		}
		rotation, _ = qr.NormalizeRotation(row.Rotation + delta)
		return tx.SetRotation(ctx, row.ID, rotation)
	})
	if err != nil {
		return 0, fmt.Errorf("rotate staging image %d: %w", stagingID, err)
	}
	slog.Info("staging image rotated", "staging", stagingID, "rotation", rotation)
	return rotation, nil
}

// Assign points an unknown or error page at a slot chosen by an operator.
// The page becomes known, or colliding if another image owns the slot.
func (s *Service) Assign(ctx context.Context, stagingID int64, paper, page int) (model.Classification, error) {
	var to model.Classification
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireUnconsumed(row); err != nil {
			return err
		}
		if row.Classification != model.ClassUnknown && row.Classification != model.ClassError {
			return &model.TransitionError{StagingID: row.ID, From: row.Classification, To: model.ClassKnown}
		}
		slot, err := tx.GetSlot(ctx, paper, page)
		if err != nil {
			return err
		}
		if slot == nil {
			return fmt.Errorf("slot (%d, %d): %w", paper, page, model.ErrNotFound)
		}
		out, err := classify.Slot(ctx, classify.Outcome{Paper: paper, Page: page, Version: slot.ExpectedVersion}, row.Hash, tx)
		if err != nil {
			return err
		}
		to = out.Classification
		reason := out.Reason
		if reason == model.ReasonNone {
			reason = model.ReasonOperator
		}
		return transition(ctx, tx, row, out.Classification, reason, paper, page, slot.ExpectedVersion, nil)
	})
	if err != nil {
		return "", fmt.Errorf("assign staging image %d: %w", stagingID, err)
	}
	slog.Info("staging image assigned", "staging", stagingID, "paper", paper, "page", page,
		"classification", to, "by", model.ActorFromContext(ctx))
	return to, nil
}

// TagExtra marks a page as supplementary material of a paper, covering the
// given questions.
func (s *Service) TagExtra(ctx context.Context, stagingID int64, paper int, questions []int) error {
	spec, err := s.store.GetSpecification(ctx)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if q < 1 || q > spec.NumberOfQuestions() {
			return fmt.Errorf("question %d: %w", q, model.ErrNotFound)
		}
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.PaperExists(ctx, paper)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("paper %d: %w", paper, model.ErrNotFound)
		}
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireUnconsumed(row); err != nil {
			return err
		}
		return transition(ctx, tx, row, model.ClassExtra, model.ReasonOperator, paper, 0, 0, questions)
	})
	if err != nil {
		return fmt.Errorf("tag staging image %d as extra: %w", stagingID, err)
	}
	slog.Info("staging image tagged extra", "staging", stagingID, "paper", paper, "questions", questions)
	return nil
}

// UntagExtra returns an extra page to unknown.
func (s *Service) UntagExtra(ctx context.Context, stagingID int64) error {
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireClass(row, model.ClassExtra, "untag"); err != nil {
			return err
		}
		return transition(ctx, tx, row, model.ClassUnknown, model.ReasonOperator, 0, 0, 0, nil)
	})
	if err != nil {
		return fmt.Errorf("untag staging image %d: %w", stagingID, err)
	}
	return nil
}

// PushExtra commits an extra page to its paper. Extra pages never own a
// slot, so any number of them may be attached.
func (s *Service) PushExtra(ctx context.Context, stagingID int64) (int64, error) {
	var id int64
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.GetStaging(ctx, stagingID)
		if err != nil {
			return err
		}
		if err := requireClass(row, model.ClassExtra, "push extra"); err != nil {
			return err
		}
		id, err = tx.InsertExtra(ctx, model.ExtraImage{
			Paper:       row.Paper,
			Questions:   row.Questions,
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
			return err
		}
		// image_id of an extra page refers to extra_images.
		if err := tx.MarkConsumed(ctx, row.ID, id); err != nil {
			return err
		}
		return tx.MarkBundlePushed(ctx, row.BundleID)
	})
	s.metrics.Pushes.WithLabelValues("extra_" + resultLabel(err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("push extra staging image %d: %w", stagingID, err)
	}
	slog.Info("extra page pushed", "staging", stagingID, "extra", id, "by", model.ActorFromContext(ctx))
	return id, nil
}

// DiscardExtra moves a committed extra page to the discard ledger.
func (s *Service) DiscardExtra(ctx context.Context, extraID int64, reason string, force bool) error {
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExtra(ctx, extraID)
		if err != nil {
			return err
		}
		b, err := tx.GetBundle(ctx, e.BundleID)
		if err != nil {
			return err
		}
		if b.Locked && !force {
			return fmt.Errorf("%w: extra image %d belongs to locked bundle %s", model.ErrBundlePushed, e.ID, b.ID)
		}
		_, err = tx.AppendDiscard(ctx, model.Discard{
			Kind:        model.DiscardExtra,
			StagingID:   e.StagingID,
			ImageID:     e.ID,
			BundleID:    e.BundleID,
			BundleOrder: e.BundleOrder,
			Paper:       e.Paper,
			Hash:        e.Hash,
			Rotation:    e.Rotation,
			Reason:      orOperator(reason),
			DiscardedBy: model.ActorFromContext(ctx),
		})
		if err != nil {
			return err
		}
		return tx.DeleteExtra(ctx, e.ID)
	})
	if err != nil {
		return fmt.Errorf("discard extra image %d: %w", extraID, err)
	}
	return nil
}

// Reclassify re-runs classification of the pending pages of a bundle
// against the current paper database, from the reads already decoded.
// Pages assigned by an operator keep their assignment. It returns the
// number of pages whose classification changed.
func (s *Service) Reclassify(ctx context.Context, bundleID string) (int, error) {
	if _, err := s.store.GetBundle(ctx, bundleID); err != nil {
		return 0, err
	}
	changed := 0
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		rows, err := tx.ListStaging(ctx, bundleID, store.StagingFilter{
			Classifications: []model.Classification{model.ClassUnknown, model.ClassError, model.ClassColliding},
			Unconsumed:      true,
		})
		if err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			if !row.Extracted || row.Reason == model.ReasonOperator || row.Reason == model.ReasonUnreadableImage {
				continue
			}
			var out classify.Outcome
			if row.Classification == model.ClassColliding {
				out, err = classify.Slot(ctx, classify.Outcome{Paper: row.Paper, Page: row.Page, Version: row.Version}, row.Hash, tx)
			} else {
				out, err = classify.Classify(ctx, qr.Resolve(row.Reads), row.Hash, tx)
			}
			if err != nil {
				return err
			}
			if out.Classification == row.Classification && out.Reason == row.Reason {
				continue
			}
			if !model.CanTransition(row.Classification, out.Classification) {
				continue
			}
			if err := transition(ctx, tx, row, out.Classification, out.Reason, out.Paper, out.Page, out.Version, nil); err != nil {
				return err
			}
			s.metrics.PagesClassified.WithLabelValues(string(out.Classification)).Inc()
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclassify bundle %s: %w", bundleID, err)
	}
	slog.Info("bundle reclassified", "bundle", bundleID, "changed", changed)
	return changed, nil
}
