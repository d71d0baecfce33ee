package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/paperscan/internal/model"
)

const discardColumns = `id, kind, staging_id, image_id, bundle_id, bundle_order, paper_number, page_number,
	hash, rotation, reason, discarded_by, discarded_at`

// AppendDiscard adds an entry to the discard ledger and returns its ID.
// Ledger entries are never updated or deleted.
func (s *Store) AppendDiscard(ctx context.Context, d model.Discard) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DiscardedAt.IsZero() {
		d.DiscardedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO discards (`+discardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Kind, d.StagingID, d.ImageID, d.BundleID, d.BundleOrder, d.Paper, d.Page,
		d.Hash, d.Rotation, d.Reason, d.DiscardedBy, d.DiscardedAt,
	)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// ListDiscards returns ledger entries, optionally restricted to one
// paper (paper > 0), oldest first.
func (s *Store) ListDiscards(ctx context.Context, paper int) ([]model.Discard, error) {
	query := `SELECT ` + discardColumns + ` FROM discards`
	var args []any
	if paper > 0 {
		query += ` WHERE paper_number = ?`
		args = append(args, paper)
	}
	query += ` ORDER BY discarded_at, id`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Discard
	for rows.Next() {
		var d model.Discard
		if err := rows.Scan(&d.ID, &d.Kind, &d.StagingID, &d.ImageID, &d.BundleID, &d.BundleOrder, &d.Paper,
			&d.Page, &d.Hash, &d.Rotation, &d.Reason, &d.DiscardedBy, &d.DiscardedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
