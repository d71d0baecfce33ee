package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pavelanni/paperscan/internal/model"
)

// PaperCount returns the number of papers in the database.
func (s *Store) PaperCount(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers`).Scan(&count)
	return count, err
}

// InsertPaper creates a paper and its page slots.
func (s *Store) InsertPaper(ctx context.Context, paper int, slots []model.PageSlot) error {
	if _, err := s.q.ExecContext(ctx, `INSERT INTO papers (paper_number) VALUES (?)`, paper); err != nil {
		return fmt.Errorf("insert paper %d: %w", paper, err)
	}
	for _, sl := range slots {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO page_slots (paper_number, page_number, kind, question, expected_version)
			 VALUES (?, ?, ?, ?, ?)`,
			paper, sl.Page, sl.Kind, sl.Question, sl.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("insert slot (%d, %d): %w", paper, sl.Page, err)
		}
	}
	return nil
}

// PaperExists reports whether the paper has been created.
func (s *Store) PaperExists(ctx context.Context, paper int) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers WHERE paper_number = ?`, paper).Scan(&n)
	return n > 0, err
}

// GetSlot returns the slot for (paper, page), or nil if it does not exist.
func (s *Store) GetSlot(ctx context.Context, paper, page int) (*model.PageSlot, error) {
	var sl model.PageSlot
	err := s.q.QueryRowContext(ctx,
		`SELECT paper_number, page_number, kind, question, expected_version
		 FROM page_slots WHERE paper_number = ? AND page_number = ?`, paper, page,
	).Scan(&sl.Paper, &sl.Page, &sl.Kind, &sl.Question, &sl.ExpectedVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

// ListSlots returns the slots of a paper in page order.
func (s *Store) ListSlots(ctx context.Context, paper int) ([]model.PageSlot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT paper_number, page_number, kind, question, expected_version
		 FROM page_slots WHERE paper_number = ? ORDER BY page_number`, paper,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var slots []model.PageSlot
	for rows.Next() {
		var sl model.PageSlot
		if err := rows.Scan(&sl.Paper, &sl.Page, &sl.Kind, &sl.Question, &sl.ExpectedVersion); err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// ClearPapers removes every paper and slot. It refuses while any
// committed image or extra image references them.
func (s *Store) ClearPapers(ctx context.Context) error {
	var images int
	err := s.q.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM images) + (SELECT COUNT(*) FROM extra_images)`,
	).Scan(&images)
	if err != nil {
		return err
	}
	if images > 0 {
		return fmt.Errorf("%w: %d committed images still reference papers", model.ErrInvalidTransition, images)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM page_slots`); err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM papers`)
	return err
}
