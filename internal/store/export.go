package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/paperscan/internal/model"
)

// PaperView builds the reassembly view of a paper: every slot in page
// order with its committed image, then the extra pages.
func (s *Store) PaperView(ctx context.Context, paper int) (*model.PaperView, error) {
	slots, err := s.ListSlots(ctx, paper)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("paper %d: %w", paper, model.ErrNotFound)
	}
	images, err := s.ListPaperImages(ctx, paper)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	extras, err := s.ListExtras(ctx, paper)
	if err != nil {
		return nil, fmt.Errorf("list extras: %w", err)
	}

	view := &model.PaperView{Paper: paper, Complete: true, Extras: extras}
	for _, sl := range slots {
		sv := model.SlotView{PageSlot: sl}
		if img, ok := images[sl.Page]; ok {
			sv.Filled = true
			sv.Image = &img
		} else {
			view.Complete = false
		}
		view.Slots = append(view.Slots, sv)
	}
	return view, nil
}

// ListPaperNumbers returns every paper number in ascending order.
func (s *Store) ListPaperNumbers(ctx context.Context) ([]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT paper_number FROM papers ORDER BY paper_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}
