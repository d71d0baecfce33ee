package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/paperscan/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSlots(paper int) []model.PageSlot {
	return []model.PageSlot{
		{Paper: paper, Page: 1, Kind: model.KindID, ExpectedVersion: 1},
		{Paper: paper, Page: 2, Kind: model.KindQuestion, Question: 1, ExpectedVersion: 2},
	}
}

func insertTestPaper(t *testing.T, s *Store, paper int) {
	t.Helper()
	if err := s.InsertPaper(context.Background(), paper, testSlots(paper)); err != nil {
		t.Fatalf("InsertPaper: %v", err)
	}
}

func insertTestBundle(t *testing.T, s *Store, id, hash string) {
	t.Helper()
	if err := s.CreateBundle(context.Background(), model.Bundle{ID: id, Name: id, Hash: hash, NumberOfPages: 1}); err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SetMetadata(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, err := s.GetMetadata(context.Background(), "k")
	if err != nil || v != "v" {
		t.Errorf("GetMetadata after reopen = %q, %v", v, err)
	}
}

func TestSpecificationAndVersionMap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSpecification(ctx); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetSpecification on empty store: expected ErrNotFound, got %v", err)
	}
	spec := &model.Specification{Name: "t", NumberOfPages: 2, NumberOfVersions: 2, NumberToProduce: 1,
		PublicCode: "000042", IDPage: 1, Questions: []model.QuestionSpec{{Label: "Q1", Pages: []int{2}, Select: model.SelectShuffle}}}
	if err := s.SaveSpecification(ctx, spec); err != nil {
		t.Fatalf("SaveSpecification: %v", err)
	}
	if err := s.SaveSpecification(ctx, spec); err != nil {
		t.Errorf("saving the same specification again: %v", err)
	}
	other := *spec
	other.Name = "other"
	if err := s.SaveSpecification(ctx, &other); !errors.Is(err, model.ErrAlreadyPopulated) {
		t.Errorf("saving a different specification: expected ErrAlreadyPopulated, got %v", err)
	}
	got, err := s.GetSpecification(ctx)
	if err != nil {
		t.Fatalf("GetSpecification: %v", err)
	}
	if diff := cmp.Diff(spec, got); diff != "" {
		t.Errorf("specification mismatch (-want +got):\n%s", diff)
	}

	vmap := model.VersionMap{1: {1: 2}}
	if err := s.SaveVersionMap(ctx, vmap); err != nil {
		t.Fatalf("SaveVersionMap: %v", err)
	}
	gotMap, err := s.GetVersionMap(ctx)
	if err != nil {
		t.Fatalf("GetVersionMap: %v", err)
	}
	if diff := cmp.Diff(vmap, gotMap); diff != "" {
		t.Errorf("version map mismatch (-want +got):\n%s", diff)
	}
}

func TestPapersAndSlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestPaper(t, s, 1)
	insertTestPaper(t, s, 2)

	n, err := s.PaperCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PaperCount = %d, %v", n, err)
	}
	if err := s.InsertPaper(ctx, 1, nil); err == nil {
		t.Error("inserting paper 1 twice: expected error")
	}
	sl, err := s.GetSlot(ctx, 2, 2)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if diff := cmp.Diff(&testSlots(2)[1], sl); diff != "" {
		t.Errorf("slot mismatch (-want +got):\n%s", diff)
	}
	if sl, _ := s.GetSlot(ctx, 3, 1); sl != nil {
		t.Errorf("GetSlot of missing paper = %+v, want nil", sl)
	}
	papers, _ := s.ListPaperNumbers(ctx)
	if diff := cmp.Diff([]int{1, 2}, papers); diff != "" {
		t.Errorf("paper numbers mismatch (-want +got):\n%s", diff)
	}

	if err := s.ClearPapers(ctx); err != nil {
		t.Fatalf("ClearPapers: %v", err)
	}
	if n, _ := s.PaperCount(ctx); n != 0 {
		t.Errorf("PaperCount after clear = %d", n)
	}
}

func TestImageSlotIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestPaper(t, s, 1)
	insertTestBundle(t, s, "b1", "h1")

	img := model.Image{Paper: 1, Page: 2, Hash: "aaa", BlobKey: "aaa.png", BundleID: "b1", StagingID: 1, PushedBy: "alice"}
	id, err := s.InsertImage(ctx, img)
	if err != nil {
		t.Fatalf("InsertImage: %v", err)
	}
	img.Hash = "bbb"
	_, err = s.InsertImage(ctx, img)
	var occ *model.SlotOccupiedError
	if !errors.As(err, &occ) {
		t.Fatalf("second InsertImage: expected *SlotOccupiedError, got %v", err)
	}
	if occ.ImageID != id || !errors.Is(err, model.ErrSlotOccupied) {
		t.Errorf("occupied error = %+v", occ)
	}

	img.Page = 9
	if _, err := s.InsertImage(ctx, img); err == nil {
		t.Error("image for a missing slot: expected foreign key error")
	}

	if err := s.ClearPapers(ctx); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("ClearPapers with images: expected ErrInvalidTransition, got %v", err)
	}
	if got, err := s.FindImageByHash(ctx, "aaa"); err != nil || got == nil || got.ID != id {
		t.Errorf("FindImageByHash(aaa) = %+v, %v, want image %d", got, err, id)
	}
	if got, err := s.FindImageByHash(ctx, "bbb"); err != nil || got != nil {
		t.Errorf("FindImageByHash(bbb) = %+v, %v, want nil", got, err)
	}
	if err := s.DeleteImage(ctx, id); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if got, _ := s.FindImageByHash(ctx, "aaa"); got != nil {
		t.Errorf("FindImageByHash after delete = %+v", got)
	}
	if got, _ := s.GetSlotImage(ctx, 1, 2); got != nil {
		t.Errorf("slot still filled after delete: %+v", got)
	}
	if _, err := s.GetImage(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetImage after delete: expected ErrNotFound, got %v", err)
	}
}

func TestStagingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestPaper(t, s, 1)
	insertTestBundle(t, s, "b1", "h1")

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.InsertStaging(ctx, model.StagingImage{BundleID: "b1", BundleOrder: i, Hash: "h", BlobKey: "h.png"})
		if err != nil {
			t.Fatalf("InsertStaging: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := s.InsertStaging(ctx, model.StagingImage{BundleID: "b1", BundleOrder: 0, Hash: "h"}); err == nil {
		t.Error("duplicate bundle order: expected error")
	}

	reads := []model.QRRead{{Corner: 1, Payload: "5000102011000042", Status: model.ReadValid, Paper: 1, Page: 2, Version: 1, Orientation: 1, PublicCode: 42}}
	if err := s.SaveExtraction(ctx, ids[0], reads, 90); err != nil {
		t.Fatalf("SaveExtraction: %v", err)
	}
	if err := s.Classify(ctx, ids[0], model.ClassKnown, "", 1, 2, 2, nil); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if err := s.Classify(ctx, ids[1], model.ClassExtra, model.ReasonOperator, 1, 0, 0, []int{1, 2}); err != nil {
		t.Fatalf("Classify extra: %v", err)
	}

	row, err := s.GetStaging(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetStaging: %v", err)
	}
	if !row.Extracted || row.Rotation != 90 || row.Classification != model.ClassKnown || row.Page != 2 {
		t.Errorf("staging row = %+v", row)
	}
	if diff := cmp.Diff(reads, row.Reads); diff != "" {
		t.Errorf("reads mismatch (-want +got):\n%s", diff)
	}
	extra, _ := s.GetStaging(ctx, ids[1])
	if diff := cmp.Diff([]int{1, 2}, extra.Questions); diff != "" {
		t.Errorf("questions mismatch (-want +got):\n%s", diff)
	}

	unextracted, _ := s.ListStaging(ctx, "b1", StagingFilter{Unextracted: true})
	if len(unextracted) != 2 {
		t.Errorf("expected 2 unextracted rows, got %d", len(unextracted))
	}
	known, _ := s.ListStaging(ctx, "b1", StagingFilter{Classifications: []model.Classification{model.ClassKnown, model.ClassExtra}})
	if len(known) != 2 {
		t.Errorf("expected 2 known/extra rows, got %d", len(known))
	}

	if err := s.MarkConsumed(ctx, ids[0], 77); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	if err := s.MarkConsumed(ctx, ids[0], 78); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("consuming twice: expected ErrNotFound, got %v", err)
	}
	if err := s.SetRotation(ctx, ids[0], 180); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("rotating consumed row: expected ErrNotFound, got %v", err)
	}
	if err := s.Classify(ctx, ids[0], model.ClassError, "", 0, 0, 0, nil); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("classifying consumed row: expected ErrNotFound, got %v", err)
	}
	unconsumed, _ := s.ListStaging(ctx, "b1", StagingFilter{Unconsumed: true})
	if len(unconsumed) != 2 {
		t.Errorf("expected 2 unconsumed rows, got %d", len(unconsumed))
	}

	counts, consumed, err := s.BundleCounts(ctx, "b1")
	if err != nil {
		t.Fatalf("BundleCounts: %v", err)
	}
	want := map[model.Classification]int{model.ClassExtra: 1, model.ClassUnknown: 1}
	if diff := cmp.Diff(want, counts); diff != "" || consumed != 1 {
		t.Errorf("counts mismatch (consumed %d) (-want +got):\n%s", consumed, diff)
	}
}

func TestBundles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestBundle(t, s, "b1", "same")
	if err := s.CreateBundle(ctx, model.Bundle{ID: "b2", Name: "b2", Hash: "same", CreatedAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if err := s.MarkBundlePushed(ctx, "b2"); err != nil {
		t.Fatalf("MarkBundlePushed: %v", err)
	}
	b, err := s.FindBundleByHash(ctx, "same")
	if err != nil {
		t.Fatalf("FindBundleByHash: %v", err)
	}
	if b.ID != "b2" {
		t.Errorf("FindBundleByHash prefers pushed bundle, got %s", b.ID)
	}
	if b, _ := s.FindBundleByHash(ctx, "nope"); b != nil {
		t.Errorf("FindBundleByHash(nope) = %+v, want nil", b)
	}
	if err := s.LockBundle(ctx, "b1"); err != nil {
		t.Fatalf("LockBundle: %v", err)
	}
	if err := s.LockBundle(ctx, "zzz"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("LockBundle(zzz): expected ErrNotFound, got %v", err)
	}
	b1, _ := s.GetBundle(ctx, "b1")
	if !b1.Locked || b1.Pushed {
		t.Errorf("b1 = %+v", b1)
	}
	list, _ := s.ListBundles(ctx)
	if len(list) != 2 || list[0].ID != "b2" {
		t.Errorf("ListBundles should be newest first: %+v", list)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.InsertPaper(ctx, 1, testSlots(1)); err != nil {
			return err
		}
		// Nested calls reuse the transaction.
		return tx.WithTx(ctx, func(inner *Store) error {
			if err := inner.InsertPaper(ctx, 2, testSlots(2)); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if n, _ := s.PaperCount(ctx); n != 0 {
		t.Errorf("PaperCount after rollback = %d, want 0", n)
	}
}

func TestDiscardLedgerAndPaperView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestPaper(t, s, 1)
	insertTestBundle(t, s, "b1", "h1")

	if _, err := s.InsertImage(ctx, model.Image{Paper: 1, Page: 1, Hash: "id", BlobKey: "id.png", BundleID: "b1"}); err != nil {
		t.Fatalf("InsertImage: %v", err)
	}
	if _, err := s.InsertExtra(ctx, model.ExtraImage{Paper: 1, Questions: []int{1}, Hash: "x", BlobKey: "x.png", BundleID: "b1"}); err != nil {
		t.Fatalf("InsertExtra: %v", err)
	}
	view, err := s.PaperView(ctx, 1)
	if err != nil {
		t.Fatalf("PaperView: %v", err)
	}
	if view.Complete || len(view.Slots) != 2 || !view.Slots[0].Filled || view.Slots[1].Filled || len(view.Extras) != 1 {
		t.Errorf("paper view = %+v", view)
	}
	if _, err := s.PaperView(ctx, 5); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("PaperView(5): expected ErrNotFound, got %v", err)
	}

	for _, paper := range []int{1, 2, 1} {
		if _, err := s.AppendDiscard(ctx, model.Discard{Kind: model.DiscardStaging, BundleID: "b1", Paper: paper, Hash: "h", Reason: "r", DiscardedBy: "alice"}); err != nil {
			t.Fatalf("AppendDiscard: %v", err)
		}
	}
	all, _ := s.ListDiscards(ctx, 0)
	one, _ := s.ListDiscards(ctx, 1)
	if len(all) != 3 || len(one) != 2 {
		t.Errorf("ListDiscards: all=%d paper1=%d, want 3 and 2", len(all), len(one))
	}
	if all[0].ID == "" || all[0].ID == all[1].ID {
		t.Error("ledger IDs should be unique and non-empty")
	}
}

func TestOperatorsAndAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateOperator(ctx, model.Operator{Username: "alice", DisplayName: "Alice", PasswordHash: "x", Active: true})
	if err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}
	if _, err := s.CreateOperator(ctx, model.Operator{Username: "alice", DisplayName: "Again", PasswordHash: "y"}); err == nil {
		t.Error("duplicate username: expected error")
	}
	o, err := s.GetOperatorByUsername(ctx, "alice")
	if err != nil || o == nil || o.ID != id || !o.Active {
		t.Fatalf("GetOperatorByUsername = %+v, %v", o, err)
	}
	if o, _ := s.GetOperatorByUsername(ctx, "bob"); o != nil {
		t.Errorf("GetOperatorByUsername(bob) = %+v, want nil", o)
	}
	if err := s.ToggleOperatorActive(ctx, id); err != nil {
		t.Fatalf("ToggleOperatorActive: %v", err)
	}
	o, _ = s.GetOperatorByID(ctx, id)
	if o.Active {
		t.Error("operator still active after toggle")
	}
	ops, _ := s.ListOperators(ctx)
	if len(ops) != 1 {
		t.Errorf("expected 1 operator, got %d", len(ops))
	}

	token, err := s.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(ctx, token)
	if err != nil || sess == nil || sess.OperatorID != id {
		t.Fatalf("GetAuthSession = %+v, %v", sess, err)
	}
	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	if sess, _ := s.GetAuthSession(ctx, token); sess != nil {
		t.Error("session still present after delete")
	}
	if err := s.CleanupExpiredSessions(ctx); err != nil {
		t.Errorf("CleanupExpiredSessions: %v", err)
	}
}
