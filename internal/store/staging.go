package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
)

const stagingColumns = `id, bundle_id, bundle_order, hash, blob_key, rotation, reads, extracted,
	classification, reason, paper_number, page_number, version, questions, image_id, updated_at`

// StagingRow is a staging image together with its extraction flag.
type StagingRow struct {
	model.StagingImage
	Extracted bool
}

func scanStaging(sc interface{ Scan(...any) error }) (StagingRow, error) {
	var r StagingRow
	var reads, questions string
	var imageID sql.NullInt64
	err := sc.Scan(&r.ID, &r.BundleID, &r.BundleOrder, &r.Hash, &r.BlobKey, &r.Rotation, &reads, &r.Extracted,
		&r.Classification, &r.Reason, &r.Paper, &r.Page, &r.Version, &questions, &imageID, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(reads), &r.Reads); err != nil {
		return r, fmt.Errorf("decode reads of staging image %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(questions), &r.Questions); err != nil {
		return r, fmt.Errorf("decode questions of staging image %d: %w", r.ID, err)
	}
	if imageID.Valid {
		id := imageID.Int64
		r.ImageID = &id
	}
	return r, nil
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// InsertStaging inserts a freshly split page as unknown and returns its ID.
func (s *Store) InsertStaging(ctx context.Context, img model.StagingImage) (int64, error) {
	if img.Classification == "" {
		img.Classification = model.ClassUnknown
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO staging_images (bundle_id, bundle_order, hash, blob_key, rotation, classification, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		img.BundleID, img.BundleOrder, img.Hash, img.BlobKey, img.Rotation, img.Classification, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetStaging returns a staging image by ID.
func (s *Store) GetStaging(ctx context.Context, id int64) (*StagingRow, error) {
	r, err := scanStaging(s.q.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM staging_images WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("staging image %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StagingFilter narrows ListStaging. Zero values mean no filtering.
type StagingFilter struct {
	Classifications []model.Classification
	Unextracted     bool
	Unconsumed      bool
}

// ListStaging returns the staging images of a bundle in bundle order.
func (s *Store) ListStaging(ctx context.Context, bundleID string, f StagingFilter) ([]StagingRow, error) {
	query := `SELECT ` + stagingColumns + ` FROM staging_images WHERE bundle_id = ?`
	args := []any{bundleID}
	if len(f.Classifications) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Classifications)), ", ")
		query += ` AND classification IN (` + marks + `)`
		for _, c := range f.Classifications {
			args = append(args, c)
		}
	}
	if f.Unextracted {
		query += ` AND extracted = 0`
	}
	if f.Unconsumed {
		query += ` AND image_id IS NULL`
	}
	query += ` ORDER BY bundle_order`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StagingRow
	for rows.Next() {
		r, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveExtraction stores the decoded reads and resolved rotation of a
// staging image and marks it extracted.
func (s *Store) SaveExtraction(ctx context.Context, id int64, reads []model.QRRead, rotation int) error {
	enc, err := encodeList(reads)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE staging_images SET reads = ?, rotation = ?, extracted = 1, updated_at = ? WHERE id = ?`,
		enc, rotation, time.Now(), id,
	)
	return err
}

// Classify records a classification and the slot it points at.
func (s *Store) Classify(ctx context.Context, id int64, c model.Classification, reason string, paper, page, version int, questions []int) error {
	enc, err := encodeList(questions)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE staging_images SET classification = ?, reason = ?, paper_number = ?, page_number = ?,
		 version = ?, questions = ?, updated_at = ? WHERE id = ? AND image_id IS NULL`,
		c, reason, paper, page, version, enc, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("staging image %d", id))
}

// SetRotation stores a new rotation on an unconsumed staging image.
func (s *Store) SetRotation(ctx context.Context, id int64, rotation int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE staging_images SET rotation = ?, updated_at = ? WHERE id = ? AND image_id IS NULL`,
		rotation, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("staging image %d", id))
}

// MarkConsumed links a staging image to the image it was promoted into.
func (s *Store) MarkConsumed(ctx context.Context, id, imageID int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE staging_images SET image_id = ?, updated_at = ? WHERE id = ? AND image_id IS NULL`,
		imageID, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("staging image %d", id))
}

// StagingCount returns the number of staging images in a bundle.
func (s *Store) StagingCount(ctx context.Context, bundleID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM staging_images WHERE bundle_id = ?`, bundleID).Scan(&n)
	return n, err
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s (or already consumed): %w", what, model.ErrNotFound)
	}
	return nil
}
