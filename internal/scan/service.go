// Package scan is the scan pipeline: paper creation, bundle ingestion,
// classification and the push/commit service that is the only writer of
// committed images.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/pavelanni/paperscan/internal/bundle"
	"github.com/pavelanni/paperscan/internal/metrics"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
	"github.com/pavelanni/paperscan/internal/store"
	"github.com/pavelanni/paperscan/internal/versionmap"
)

// Config tunes a Service. Zero values select defaults.
type Config struct {
	// Workers bounds parallel page extraction. Defaults to GOMAXPROCS.
	Workers int
	// Decoder reads QR codes. Defaults to the gozxing decoder.
	Decoder qr.Decoder
	// Fraction is the share of the page a corner region spans.
	Fraction float64
	// Metrics receives pipeline counters. Defaults to a private set.
	Metrics *metrics.Metrics
}

// Service runs the scan pipeline against one store and blob store.
type Service struct {
	store   *store.Store
	blobs   bundle.Blobs
	decoder qr.Decoder
	frac    float64
	workers int
	metrics *metrics.Metrics
	locks   slotLocks
}

// New creates a Service.
func New(st *store.Store, blobs bundle.Blobs, cfg Config) *Service {
	s := &Service{
		store:   st,
		blobs:   blobs,
		decoder: cfg.Decoder,
		frac:    cfg.Fraction,
		workers: cfg.Workers,
		metrics: cfg.Metrics,
	}
	if s.decoder == nil {
		s.decoder = qr.ZXing{}
	}
	if s.frac <= 0 {
		s.frac = qr.DefaultFraction
	}
	if s.workers <= 0 {
		s.workers = runtime.GOMAXPROCS(0)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Metrics returns the collectors the service reports to.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Specification returns the stored specification.
func (s *Service) Specification(ctx context.Context) (*model.Specification, error) {
	return s.store.GetSpecification(ctx)
}

// CreatePapers validates the version map against the specification and
// creates every paper with its page slots in one transaction. Nothing is
// written when validation fails.
func (s *Service) CreatePapers(ctx context.Context, spec *model.Specification, vmap model.VersionMap) error {
	if err := versionmap.Check(vmap, spec); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		n, err := tx.PaperCount(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d papers exist", model.ErrAlreadyPopulated, n)
		}
		if err := tx.SaveSpecification(ctx, spec); err != nil {
			return err
		}
		if err := tx.SaveVersionMap(ctx, vmap); err != nil {
			return err
		}
		for paper := 1; paper <= spec.NumberToProduce; paper++ {
			slots, err := versionmap.Slots(vmap, spec, paper)
			if err != nil {
				return err
			}
			if err := tx.InsertPaper(ctx, paper, slots); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create papers: %w", err)
	}
	slog.Info("papers created", "papers", spec.NumberToProduce, "pages", spec.NumberOfPages)
	return nil
}

// IsSlotFilled reports whether a committed image owns (paper, page).
func (s *Service) IsSlotFilled(ctx context.Context, paper, page int) (bool, error) {
	img, err := s.SlotImage(ctx, paper, page)
	return img != nil, err
}

// SlotImage returns the image committed to (paper, page), or nil.
func (s *Service) SlotImage(ctx context.Context, paper, page int) (*model.Image, error) {
	slot, err := s.store.GetSlot(ctx, paper, page)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("slot (%d, %d): %w", paper, page, model.ErrNotFound)
	}
	return s.store.GetSlotImage(ctx, paper, page)
}

// GetExpected returns the kind and expected version of a slot.
func (s *Service) GetExpected(ctx context.Context, paper, page int) (model.PageKind, int, error) {
	slot, err := s.store.GetSlot(ctx, paper, page)
	if err != nil {
		return "", 0, err
	}
	if slot == nil {
		return "", 0, fmt.Errorf("slot (%d, %d): %w", paper, page, model.ErrNotFound)
	}
	return slot.Kind, slot.ExpectedVersion, nil
}

// ClearAll removes every paper and slot. It refuses while committed
// images reference them.
func (s *Service) ClearAll(ctx context.Context) error {
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		return tx.ClearPapers(ctx)
	})
	if err != nil {
		return fmt.Errorf("clear papers: %w", err)
	}
	slog.Info("papers cleared")
	return nil
}

// Paper returns the reassembly view of one paper.
func (s *Service) Paper(ctx context.Context, paper int) (*model.PaperView, error) {
	return s.store.PaperView(ctx, paper)
}

// Papers returns every paper number.
func (s *Service) Papers(ctx context.Context) ([]int, error) {
	return s.store.ListPaperNumbers(ctx)
}

// Discards returns the discard ledger, optionally for one paper.
func (s *Service) Discards(ctx context.Context, paper int) ([]model.Discard, error) {
	return s.store.ListDiscards(ctx, paper)
}

// Bundles lists every bundle, newest first.
func (s *Service) Bundles(ctx context.Context) ([]model.Bundle, error) {
	return s.store.ListBundles(ctx)
}

// Summary counts the staging images of a bundle by classification.
func (s *Service) Summary(ctx context.Context, bundleID string) (*model.BundleSummary, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	counts, consumed, err := s.store.BundleCounts(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	return &model.BundleSummary{Bundle: *b, Counts: counts, Consumed: consumed}, nil
}

// Pending returns the staging images of a bundle that need an operator:
// unknown, error and colliding pages not yet consumed.
func (s *Service) Pending(ctx context.Context, bundleID string) ([]model.StagingImage, error) {
	if _, err := s.store.GetBundle(ctx, bundleID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListStaging(ctx, bundleID, store.StagingFilter{
		Classifications: []model.Classification{model.ClassUnknown, model.ClassError, model.ClassColliding},
		Unconsumed:      true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.StagingImage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.StagingImage)
	}
	return out, nil
}

// Staging returns one staging image.
func (s *Service) Staging(ctx context.Context, id int64) (*model.StagingImage, error) {
	row, err := s.store.GetStaging(ctx, id)
	if err != nil {
		return nil, err
	}
	return &row.StagingImage, nil
}

// LockBundle marks a bundle as finalized by a downstream process. Its
// committed images can then only be replaced or discarded with force.
func (s *Service) LockBundle(ctx context.Context, bundleID string) error {
	if err := s.store.LockBundle(ctx, bundleID); err != nil {
		return err
	}
	slog.Info("bundle locked", "bundle", bundleID, "by", model.ActorFromContext(ctx))
	return nil
}

// resultLabel maps a push error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrSlotOccupied):
		return "occupied"
	case errors.Is(err, model.ErrBundlePushed):
		return "locked"
	case errors.Is(err, model.ErrInvalidTransition):
		return "rejected"
	}
	return "error"
}
