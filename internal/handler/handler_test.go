package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/paperscan/internal/bundle"
	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/qr"
	"github.com/pavelanni/paperscan/internal/scan"
	"github.com/pavelanni/paperscan/internal/store"
	"github.com/pavelanni/paperscan/internal/tpv"
	"github.com/pavelanni/paperscan/internal/versionmap"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

const pageSize = 100

// grayDecoder identifies a test page by its uniform gray level.
type grayDecoder map[uint8]map[int]string

func (d grayDecoder) Decode(img image.Image) (string, error) {
	b := img.Bounds()
	g := color.GrayModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.Gray)
	for corner, payload := range d[g.Y] {
		if qr.CornerRect(image.Rect(0, 0, pageSize, pageSize), corner, qr.DefaultFraction).Min == b.Min {
			return payload, nil
		}
	}
	return "", errors.New("no code")
}

func (d grayDecoder) printPage(token uint8, paper, page int) {
	codes := map[int]string{}
	for _, c := range qr.Layout(page) {
		codes[c] = tpv.MustEncode(tpv.Code{Test: paper, Page: page, Version: 1, Orientation: c, PublicCode: 424242})
	}
	d[token] = codes
}

type env struct {
	router chi.Router
	store  *store.Store
	dec    grayDecoder
	token  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs, err := bundle.NewDirBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBlobs: %v", err)
	}
	dec := grayDecoder{}
	svc := scan.New(st, blobs, scan.Config{Workers: 2, Decoder: dec})

	spec := &model.Specification{
		Name:             "quiz",
		NumberOfPages:    4,
		NumberOfVersions: 1,
		NumberToProduce:  2,
		PublicCode:       "424242",
		IDPage:           1,
		Questions: []model.QuestionSpec{
			{Label: "Q1", Pages: []int{2, 3, 4}, Select: model.SelectFixed, Mark: 5},
		},
	}
	vmap, err := versionmap.Build(spec, 1)
	if err != nil {
		t.Fatalf("versionmap.Build: %v", err)
	}
	if err := svc.CreatePapers(ctx, spec, vmap); err != nil {
		t.Fatalf("CreatePapers: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := st.CreateOperator(ctx, model.Operator{
		Username: "alice", DisplayName: "Alice", PasswordHash: string(hash), Active: true,
	}); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(svc, st, Config{UploadDir: t.TempDir()}).Routes(r)
	e := &env{router: r, store: st, dec: dec}

	rec := e.do(t, http.MethodPost, "/login", loginRequest{Username: "alice", Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body)
	}
	var lr loginResponse
	decode(t, rec, &lr)
	e.token = lr.Token
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func pagePNG(t *testing.T, token uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, pageSize, pageSize))
	for i := range img.Pix {
		img.Pix[i] = token
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

type uploadResponse struct {
	Bundle    model.Bundle `json:"bundle"`
	Restaged  bool         `json:"restaged"`
	Extracted int          `json:"extracted"`
}

// upload posts a zip of one page per token.
func (e *env) upload(t *testing.T, name string, tokens ...uint8) *httptest.ResponseRecorder {
	t.Helper()
	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	for i, tok := range tokens {
		f, err := zw.Create(fmt.Sprintf("page-%03d.png", i+1))
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write(pagePNG(t, tok)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("bundle", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(zbuf.Bytes()); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/bundles", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name     string
		req      loginRequest
		wantCode int
	}{
		{"wrong password", loginRequest{Username: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown operator", loginRequest{Username: "bob", Password: "secret"}, http.StatusUnauthorized},
		{"valid", loginRequest{Username: "alice", Password: "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/login", tt.req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestRequiresAuth(t *testing.T) {
	e := newEnv(t)

	e.token = ""
	if rec := e.do(t, http.MethodGet, "/bundles", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	e.token = "bogus"
	if rec := e.do(t, http.MethodGet, "/bundles", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus token: status = %d, want 401", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(t, http.MethodPost, "/logout", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/bundles", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("after logout: status = %d, want 401", rec.Code)
	}
}

func TestUploadAndPush(t *testing.T) {
	e := newEnv(t)
	e.dec.printPage(10, 1, 1)
	e.dec.printPage(11, 1, 2)

	rec := e.upload(t, "scan.zip", 10, 11)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status %d: %s", rec.Code, rec.Body)
	}
	var up uploadResponse
	decode(t, rec, &up)
	if up.Extracted != 2 || up.Bundle.NumberOfPages != 2 {
		t.Fatalf("upload = %+v, want 2 pages extracted", up)
	}

	rec = e.do(t, http.MethodGet, "/bundles/"+up.Bundle.ID+"/pending", nil)
	var pending struct {
		Summary string         `json:"summary"`
		Images  []pendingImage `json:"images"`
	}
	decode(t, rec, &pending)
	if len(pending.Images) != 0 || pending.Summary != "0 pages need attention." {
		t.Fatalf("pending = %+v, want none", pending)
	}

	rec = e.do(t, http.MethodPost, "/bundles/"+up.Bundle.ID+"/push", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("push: status %d: %s", rec.Code, rec.Body)
	}
	var results []model.PushResult
	decode(t, rec, &results)
	if len(results) != 2 {
		t.Fatalf("expected 2 push results, got %+v", results)
	}
	for _, r := range results {
		if r.ImageID == 0 || r.Error != "" {
			t.Errorf("push result %+v, want committed image", r)
		}
	}

	rec = e.do(t, http.MethodGet, "/papers/1", nil)
	var view model.PaperView
	decode(t, rec, &view)
	filled := 0
	for _, s := range view.Slots {
		if s.Filled {
			filled++
			if s.Image.PushedBy != "alice" {
				t.Errorf("slot %d pushed by %q, want alice", s.Page, s.Image.PushedBy)
			}
		}
	}
	if filled != 2 || view.Complete {
		t.Errorf("paper 1: %d filled, complete %v; want 2 filled, incomplete", filled, view.Complete)
	}

	if rec := e.upload(t, "again.zip", 10, 11); rec.Code != http.StatusConflict {
		t.Errorf("re-upload of pushed bundle: status = %d, want 409", rec.Code)
	}
}

func TestCollisionReplace(t *testing.T) {
	e := newEnv(t)
	e.dec.printPage(20, 2, 1)
	e.dec.printPage(21, 2, 1)

	var first, second uploadResponse
	decode(t, e.upload(t, "first.zip", 20), &first)
	if rec := e.do(t, http.MethodPost, "/bundles/"+first.Bundle.ID+"/push", nil); rec.Code != http.StatusOK {
		t.Fatalf("push first: status %d", rec.Code)
	}
	decode(t, e.upload(t, "second.zip", 21), &second)

	rec := e.do(t, http.MethodGet, "/bundles/"+second.Bundle.ID+"/pending", nil)
	var pending struct {
		Images []pendingImage `json:"images"`
	}
	decode(t, rec, &pending)
	if len(pending.Images) != 1 {
		t.Fatalf("expected 1 pending image, got %+v", pending.Images)
	}
	p := pending.Images[0]
	if p.Classification != model.ClassColliding || p.ReasonText != "Another image already fills this slot." {
		t.Fatalf("pending = %s / %q, want colliding with localized reason", p.Classification, p.ReasonText)
	}

	staging := fmt.Sprintf("/staging/%d", p.ID)
	if rec := e.do(t, http.MethodPost, staging+"/push", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("push colliding: status = %d, want 422", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, staging+"/resolve", resolveRequest{Decision: "merge"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision: status = %d, want 400", rec.Code)
	}
	rec = e.do(t, http.MethodPost, staging+"/resolve", resolveRequest{Decision: "replace"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status %d: %s", rec.Code, rec.Body)
	}
	var res model.PushResult
	decode(t, rec, &res)
	if res.ImageID == 0 {
		t.Fatalf("resolve result %+v, want new image", res)
	}

	rec = e.do(t, http.MethodGet, "/papers/2/discards", nil)
	var discards []model.Discard
	decode(t, rec, &discards)
	if len(discards) != 1 || discards[0].Kind != model.DiscardImage || discards[0].DiscardedBy != "alice" {
		t.Fatalf("discards = %+v, want one image discarded by alice", discards)
	}

	// Once the bundle is locked its images only go with force.
	if rec := e.do(t, http.MethodPost, "/bundles/"+second.Bundle.ID+"/lock", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("lock: status %d", rec.Code)
	}
	imgPath := fmt.Sprintf("/images/%d", res.ImageID)
	if rec := e.do(t, http.MethodDelete, imgPath, nil); rec.Code != http.StatusLocked {
		t.Errorf("discard locked image: status = %d, want 423", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, imgPath+"?force=true&reason=rescan", nil); rec.Code != http.StatusNoContent {
		t.Errorf("forced discard: status = %d, want 204", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/slots/2/1", nil)
	var slot struct {
		Filled bool `json:"filled"`
	}
	decode(t, rec, &slot)
	if slot.Filled {
		t.Error("slot (2, 1) still filled after discard")
	}
}

func TestTriageRequests(t *testing.T) {
	e := newEnv(t)
	// No codes registered: the page is unknown.
	var up uploadResponse
	decode(t, e.upload(t, "blank.zip", 30), &up)

	rec := e.do(t, http.MethodGet, "/bundles/"+up.Bundle.ID+"/pending", nil)
	var pending struct {
		Images []pendingImage `json:"images"`
	}
	decode(t, rec, &pending)
	if len(pending.Images) != 1 || pending.Images[0].Classification != model.ClassUnknown {
		t.Fatalf("pending = %+v, want one unknown page", pending.Images)
	}
	staging := fmt.Sprintf("/staging/%d", pending.Images[0].ID)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
	}{
		{"rotate by a non-right angle", http.MethodPost, staging + "/rotate", rotateRequest{Degrees: 45}, http.StatusBadRequest},
		{"rotate", http.MethodPost, staging + "/rotate", rotateRequest{Degrees: -90}, http.StatusOK},
		{"assign missing slot", http.MethodPost, staging + "/assign", assignRequest{Paper: 9, Page: 1}, http.StatusNotFound},
		{"tag extra", http.MethodPost, staging + "/extra", extraRequest{Paper: 1, Questions: []int{1}}, http.StatusNoContent},
		{"push extra page as known", http.MethodPost, staging + "/push", nil, http.StatusUnprocessableEntity},
		{"push extra", http.MethodPost, staging + "/push-extra", nil, http.StatusOK},
		{"discard consumed", http.MethodPost, staging + "/discard", discardRequest{}, http.StatusUnprocessableEntity},
		{"bad staging id", http.MethodGet, "/staging/abc", nil, http.StatusBadRequest},
		{"missing staging", http.MethodGet, "/staging/9999", nil, http.StatusNotFound},
		{"missing bundle", http.MethodGet, "/bundles/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}

	rec = e.do(t, http.MethodGet, "/papers/1", nil)
	var view model.PaperView
	decode(t, rec, &view)
	if len(view.Extras) != 1 || view.Extras[0].Rotation != 270 {
		t.Errorf("extras = %+v, want one extra rotated 270", view.Extras)
	}
}

func TestUploadRejectsUnknownFormat(t *testing.T) {
	e := newEnv(t)
	if rec := e.upload(t, "scan.pdf", 40); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOperators(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/operators", createOperatorRequest{Username: "bob", Password: "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", rec.Code, rec.Body)
	}
	var bob operatorView
	decode(t, rec, &bob)
	if bob.DisplayName != "bob" || !bob.Active {
		t.Errorf("created %+v, want active bob", bob)
	}
	if rec := e.do(t, http.MethodPost, "/operators", createOperatorRequest{Username: "bob", Password: "pw"}); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/operators/%d/toggle", bob.ID), nil)
	var toggled operatorView
	decode(t, rec, &toggled)
	if toggled.Active {
		t.Error("bob still active after toggle")
	}
	if rec := e.do(t, http.MethodPost, "/login", loginRequest{Username: "bob", Password: "pw"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("inactive login: status = %d, want 401", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/operators", nil)
	var ops []operatorView
	decode(t, rec, &ops)
	if len(ops) != 2 {
		t.Errorf("expected 2 operators, got %+v", ops)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("staging 3: %w", model.ErrNotFound), http.StatusNotFound},
		{&model.SlotOccupiedError{Paper: 1, Page: 2, ImageID: 3}, http.StatusConflict},
		{&model.DuplicateBundleError{Hash: "h", BundleID: "b"}, http.StatusConflict},
		{model.ErrAlreadyPopulated, http.StatusConflict},
		{&model.TransitionError{StagingID: 1, From: model.ClassKnown, To: model.ClassUnknown}, http.StatusUnprocessableEntity},
		{model.ErrSpec, http.StatusUnprocessableEntity},
		{model.ErrBundlePushed, http.StatusLocked},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
