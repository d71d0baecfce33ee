package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
)

const imageColumns = `id, paper_number, page_number, hash, blob_key, rotation, bundle_id, bundle_order,
	staging_id, pushed_at, pushed_by`

func scanImage(sc interface{ Scan(...any) error }) (model.Image, error) {
	var img model.Image
	err := sc.Scan(&img.ID, &img.Paper, &img.Page, &img.Hash, &img.BlobKey, &img.Rotation, &img.BundleID,
		&img.BundleOrder, &img.StagingID, &img.PushedAt, &img.PushedBy)
	return img, err
}

// InsertImage commits an image into its slot. A filled slot yields a
// *model.SlotOccupiedError.
func (s *Store) InsertImage(ctx context.Context, img model.Image) (int64, error) {
	if img.PushedAt.IsZero() {
		img.PushedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO images (paper_number, page_number, hash, blob_key, rotation, bundle_id, bundle_order,
		 staging_id, pushed_at, pushed_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.Paper, img.Page, img.Hash, img.BlobKey, img.Rotation, img.BundleID, img.BundleOrder,
		img.StagingID, img.PushedAt, img.PushedBy,
	)
	if isUniqueViolation(err) {
		occ := &model.SlotOccupiedError{Paper: img.Paper, Page: img.Page}
		if cur, _ := s.GetSlotImage(ctx, img.Paper, img.Page); cur != nil {
			occ.ImageID = cur.ID
		}
		return 0, occ
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetImage returns a committed image by ID.
func (s *Store) GetImage(ctx context.Context, id int64) (*model.Image, error) {
	img, err := scanImage(s.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// GetSlotImage returns the image committed to (paper, page), or nil.
func (s *Store) GetSlotImage(ctx context.Context, paper, page int) (*model.Image, error) {
	img, err := scanImage(s.q.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE paper_number = ? AND page_number = ?`, paper, page,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// FindImageByHash returns the committed image whose bytes hash to hash,
// or nil. If several slots hold the same bytes the oldest wins.
func (s *Store) FindImageByHash(ctx context.Context, hash string) (*model.Image, error) {
	img, err := scanImage(s.q.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE hash = ? ORDER BY id LIMIT 1`, hash,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ListPaperImages returns the committed images of a paper by page.
func (s *Store) ListPaperImages(ctx context.Context, paper int) (map[int]model.Image, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+imageColumns+` FROM images WHERE paper_number = ?`, paper)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]model.Image)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out[img.Page] = img
	}
	return out, rows.Err()
}

// DeleteImage removes a committed image row. Callers record it in the
// discard ledger first.
func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("image %d", id))
}

// ImageCount returns the number of committed images.
func (s *Store) ImageCount(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

const extraColumns = `id, paper_number, questions, hash, blob_key, rotation, bundle_id, bundle_order,
	staging_id, pushed_at, pushed_by`

func scanExtra(sc interface{ Scan(...any) error }) (model.ExtraImage, error) {
	var e model.ExtraImage
	var questions string
	err := sc.Scan(&e.ID, &e.Paper, &questions, &e.Hash, &e.BlobKey, &e.Rotation, &e.BundleID,
		&e.BundleOrder, &e.StagingID, &e.PushedAt, &e.PushedBy)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(questions), &e.Questions); err != nil {
		return e, fmt.Errorf("decode questions of extra image %d: %w", e.ID, err)
	}
	return e, nil
}

// InsertExtra commits a supplementary page to a paper.
func (s *Store) InsertExtra(ctx context.Context, e model.ExtraImage) (int64, error) {
	if e.PushedAt.IsZero() {
		e.PushedAt = time.Now()
	}
	questions, err := encodeList(e.Questions)
	if err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO extra_images (paper_number, questions, hash, blob_key, rotation, bundle_id, bundle_order,
		 staging_id, pushed_at, pushed_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Paper, questions, e.Hash, e.BlobKey, e.Rotation, e.BundleID, e.BundleOrder,
		e.StagingID, e.PushedAt, e.PushedBy,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExtra returns an extra image by ID.
func (s *Store) GetExtra(ctx context.Context, id int64) (*model.ExtraImage, error) {
	e, err := scanExtra(s.q.QueryRowContext(ctx, `SELECT `+extraColumns+` FROM extra_images WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extra image %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExtras returns the extra pages of a paper in commit order.
func (s *Store) ListExtras(ctx context.Context, paper int) ([]model.ExtraImage, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+extraColumns+` FROM extra_images WHERE paper_number = ? ORDER BY id`, paper,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExtraImage
	for rows.Next() {
		e, err := scanExtra(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExtra removes an extra image row.
func (s *Store) DeleteExtra(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM extra_images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("extra image %d", id))
}
