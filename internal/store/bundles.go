package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
)

const bundleColumns = `id, name, hash, number_of_pages, pushed, locked, created_at, created_by`

func scanBundle(sc interface{ Scan(...any) error }) (model.Bundle, error) {
	var b model.Bundle
	err := sc.Scan(&b.ID, &b.Name, &b.Hash, &b.NumberOfPages, &b.Pushed, &b.Locked, &b.CreatedAt, &b.CreatedBy)
	return b, err
}

// CreateBundle inserts a bundle record.
func (s *Store) CreateBundle(ctx context.Context, b model.Bundle) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bundles (`+bundleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Hash, b.NumberOfPages, b.Pushed, b.Locked, b.CreatedAt, b.CreatedBy,
	)
	return err
}

// GetBundle returns a bundle by ID.
func (s *Store) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	b, err := scanBundle(s.q.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bundle %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBundleByHash returns the bundle with the given content hash,
// preferring a pushed one. It returns nil if none exists.
func (s *Store) FindBundleByHash(ctx context.Context, hash string) (*model.Bundle, error) {
	b, err := scanBundle(s.q.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE hash = ? ORDER BY pushed DESC, created_at LIMIT 1`, hash,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBundles returns all bundles, newest first.
func (s *Store) ListBundles(ctx context.Context) ([]model.Bundle, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+bundleColumns+` FROM bundles ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bundles []model.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// MarkBundlePushed sets the pushed flag. It is never cleared.
func (s *Store) MarkBundlePushed(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE bundles SET pushed = 1 WHERE id = ?`, id)
	return err
}

// LockBundle marks a bundle as finalized by a downstream process.
func (s *Store) LockBundle(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE bundles SET locked = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bundle %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// BundleCounts returns the number of staging images per classification
// and the number already consumed.
func (s *Store) BundleCounts(ctx context.Context, id string) (map[model.Classification]int, int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT classification, image_id IS NOT NULL, COUNT(*) FROM staging_images
		 WHERE bundle_id = ? GROUP BY classification, image_id IS NOT NULL`, id,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	counts := make(map[model.Classification]int)
	consumed := 0
	for rows.Next() {
		var c model.Classification
		var done bool
		var n int
		if err := rows.Scan(&c, &done, &n); err != nil {
			return nil, 0, err
		}
		if done {
			consumed += n
			continue
		}
		counts[c] += n
	}
	return counts, consumed, rows.Err()
}
