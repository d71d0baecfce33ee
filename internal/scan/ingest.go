package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/paperscan/internal/bundle"
	"github.com/pavelanni/paperscan/internal/classify"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
	"github.com/pavelanni/paperscan/internal/store"
	"github.com/pavelanni/paperscan/internal/tpv"
)

// IngestResult describes one ingestion.
type IngestResult struct {
	Bundle model.Bundle
	// Restaged is set when an unpushed bundle with the same content
	// already existed and was reused.
	Restaged bool
	// Extracted is the number of pages decoded and classified by this call.
	Extracted int
}

// Ingest splits the scan at path, stages its pages and classifies them.
// Ingesting content whose bundle is already pushed fails with
// *model.DuplicateBundleError. Ingesting content of an unpushed bundle
// reuses it and only processes pages not yet extracted.
func (s *Service) Ingest(ctx context.Context, path string) (*IngestResult, error) {
	sp, err := bundle.SplitPath(ctx, path, s.blobs)
	if err != nil {
		s.metrics.BundlesIngested.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("split bundle: %w", err)
	}
	res, err := s.stage(ctx, sp)
	if err != nil {
		label := "error"
		if errors.Is(err, model.ErrDuplicateBundle) {
			label = "duplicate"
		}
		s.metrics.BundlesIngested.WithLabelValues(label).Inc()
		return nil, err
	}
	if res.Restaged {
		s.metrics.BundlesIngested.WithLabelValues("restaged").Inc()
	} else {
		s.metrics.BundlesIngested.WithLabelValues("new").Inc()
	}

	n, err := s.Extract(ctx, res.Bundle.ID)
	if err != nil {
		return nil, err
	}
	res.Extracted = n
	return res, nil
}

func (s *Service) stage(ctx context.Context, sp *bundle.Split) (*IngestResult, error) {
	res := &IngestResult{}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		prev, err := tx.FindBundleByHash(ctx, sp.Hash)
		if err != nil {
			return err
		}
		if prev != nil && prev.Pushed {
			return &model.DuplicateBundleError{Hash: sp.Hash, BundleID: prev.ID}
		}
		if prev != nil {
			res.Bundle = *prev
			res.Restaged = true
			return nil
		}

		b := model.Bundle{
			ID:            uuid.NewString(),
			Name:          sp.Name,
			Hash:          sp.Hash,
			NumberOfPages: len(sp.Pages),
			CreatedAt:     time.Now(),
			CreatedBy:     model.ActorFromContext(ctx),
		}
		if err := tx.CreateBundle(ctx, b); err != nil {
			return fmt.Errorf("create bundle: %w", err)
		}
		for _, p := range sp.Pages {
			_, err := tx.InsertStaging(ctx, model.StagingImage{
				BundleID:    b.ID,
				BundleOrder: p.Order,
				Hash:        p.Hash,
				BlobKey:     p.BlobKey,
			})
			if err != nil {
				return fmt.Errorf("stage page %d: %w", p.Order, err)
			}
		}
		res.Bundle = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("bundle staged", "bundle", res.Bundle.ID, "name", res.Bundle.Name,
		"pages", res.Bundle.NumberOfPages, "restaged", res.Restaged)
	return res, nil
}

type extraction struct {
	row     store.StagingRow
	reads   []model.QRRead
	rot     int
	outcome classify.Outcome
}

// Extract decodes and classifies every page of a bundle that has not been
// extracted yet. Pages are processed in parallel; results are written in
// one transaction after all pages succeed, so a cancelled run writes
// nothing. It returns the number of pages processed.
func (s *Service) Extract(ctx context.Context, bundleID string) (int, error) {
	spec, err := s.store.GetSpecification(ctx)
	if err != nil {
		return 0, fmt.Errorf("load specification: %w", err)
	}
	public, err := tpv.ParsePublicCode(spec.PublicCode)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrSpec, err)
	}
	rows, err := s.store.ListStaging(ctx, bundleID, store.StagingFilter{Unextracted: true})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ex := &qr.Extractor{Decoder: s.decoder, Fraction: s.frac, PublicCode: public}
	results := make([]extraction, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, row := range rows {
		g.Go(func() error {
			r, err := s.extractOne(gctx, ex, row)
			if err != nil {
				return fmt.Errorf("page %d of bundle %s: %w", row.BundleOrder, bundleID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, r := range results {
			if err := tx.SaveExtraction(ctx, r.row.ID, r.reads, r.rot); err != nil {
				return err
			}
			o := r.outcome
			if err := tx.Classify(ctx, r.row.ID, o.Classification, o.Reason, o.Paper, o.Page, o.Version, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save extraction: %w", err)
	}
	for _, r := range results {
		s.metrics.PagesClassified.WithLabelValues(string(r.outcome.Classification)).Inc()
		slog.Debug("page classified", "bundle", bundleID, "order", r.row.BundleOrder,
			"classification", r.outcome.Classification, "reason", r.outcome.Reason,
			"paper", r.outcome.Paper, "page", r.outcome.Page, "rotation", r.rot)
	}
	slog.Info("bundle extracted", "bundle", bundleID, "pages", len(results))
	return len(results), nil
}

func (s *Service) extractOne(ctx context.Context, ex *qr.Extractor, row store.StagingRow) (extraction, error) {
	start := time.Now()
	defer func() { s.metrics.ExtractSeconds.Observe(time.Since(start).Seconds()) }()

	r := extraction{row: row}
	img, err := bundle.DecodeImage(ctx, s.blobs, row.BlobKey)
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		slog.Warn("unreadable page image", "bundle", row.BundleID, "order", row.BundleOrder, "error", err)
		r.outcome = classify.Outcome{Classification: model.ClassError, Reason: model.ReasonUnreadableImage}
		return r, nil
	}
	reads, err := ex.Extract(ctx, img)
	if err != nil {
		return r, err
	}
	r.reads = reads
	res := qr.Resolve(reads)
	if res.Status == qr.Identified {
		r.rot = res.Rotation
	}
	r.outcome, err = classify.Classify(ctx, res, row.Hash, s.store)
	return r, err
}
