package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/paperscan/internal/bundle"
	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/scan"
	"github.com/pavelanni/paperscan/internal/store"
)

// Config holds HTTP-specific settings.
type Config struct {
	// MaxUpload bounds the size of an uploaded bundle in bytes.
	MaxUpload int64
	// UploadDir receives uploaded bundles before they are split.
	// Defaults to the system temporary directory.
	UploadDir string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc    *scan.Service
	store  *store.Store
	config Config
}

// New creates a new Handler.
func New(svc *scan.Service, s *store.Store, cfg Config) *Handler {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 512 << 20
	}
	return &Handler{svc: svc, store: s, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/logout", h.handleLogout)

		r.Get("/bundles", h.handleListBundles)
		r.Post("/bundles", h.handleUploadBundle)
		r.Get("/bundles/{bundleID}", h.handleBundleSummary)
		r.Get("/bundles/{bundleID}/pending", h.handlePending)
		r.Post("/bundles/{bundleID}/push", h.handlePushBundle)
		r.Post("/bundles/{bundleID}/lock", h.handleLockBundle)
		r.Post("/bundles/{bundleID}/reclassify", h.handleReclassify)

		r.Get("/staging/{stagingID}", h.handleGetStaging)
		r.Post("/staging/{stagingID}/push", h.handlePush)
		r.Post("/staging/{stagingID}/discard", h.handleDiscard)
		r.Post("/staging/{stagingID}/rotate", h.handleRotate)
		r.Post("/staging/{stagingID}/resolve", h.handleResolve)
		r.Post("/staging/{stagingID}/assign", h.handleAssign)
		r.Post("/staging/{stagingID}/extra", h.handleTagExtra)
		r.Delete("/staging/{stagingID}/extra", h.handleUntagExtra)
		r.Post("/staging/{stagingID}/push-extra", h.handlePushExtra)

		r.Get("/papers", h.handleListPapers)
		r.Get("/papers/{paper}", h.handlePaper)
		r.Get("/papers/{paper}/discards", h.handlePaperDiscards)
		r.Get("/slots/{paper}/{page}", h.handleSlot)
		r.Delete("/images/{imageID}", h.handleDiscardImage)
		r.Delete("/extras/{extraID}", h.handleDiscardExtra)

		r.Get("/operators", h.handleListOperators)
		r.Post("/operators", h.handleCreateOperator)
		r.Post("/operators/{operatorID}/toggle", h.handleToggleOperatorActive)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf maps pipeline errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSlotOccupied),
		errors.Is(err, model.ErrDuplicateBundle),
		errors.Is(err, model.ErrAlreadyPopulated):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrSpec):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrBundlePushed):
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

// writeError reports err to the client. Slot conflicts carry a localized
// message naming the image that owns the slot.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, status, "internal error")
		return
	}
	msg := err.Error()
	var occupied *model.SlotOccupiedError
	if errors.As(err, &occupied) {
		msg = appI18n.Td(r.Context(), "SlotOccupied", map[string]any{
			"Paper": occupied.Paper, "Page": occupied.Page, "ImageID": occupied.ImageID,
		})
	}
	writeMessage(w, status, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func (h *Handler) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := h.svc.Bundles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if bundles == nil {
		bundles = []model.Bundle{}
	}
	writeJSON(w, http.StatusOK, bundles)
}

// handleUploadBundle accepts a multipart form with a "bundle" file (a zip
// of page images or a single image) and ingests it.
func (h *Handler) handleUploadBundle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUpload)
	file, header, err := r.FormFile("bundle")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "no bundle uploaded")
		return
	}
	defer file.Close()
	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".zip") && !bundle.IsImageName(name) {
		writeMessage(w, http.StatusBadRequest, "bundle must be a .zip archive or a page image")
		return
	}

	dir, err := os.MkdirTemp(h.config.UploadDir, "upload-*")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeMessage(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if err := out.Close(); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Ingest(r.Context(), path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("uploaded bundle", "bundle", res.Bundle.ID, "name", header.Filename,
		"pages", res.Bundle.NumberOfPages, "by", model.ActorFromContext(r.Context()))
	status := http.StatusCreated
	if res.Restaged {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"bundle":    res.Bundle,
		"restaged":  res.Restaged,
		"extracted": res.Extracted,
	})
}

func (h *Handler) handleBundleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(r.Context(), chi.URLParam(r, "bundleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type pendingImage struct {
	model.StagingImage
	ClassificationText string `json:"classification_text"`
	ReasonText         string `json:"reason_text,omitempty"`
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rows, err := h.svc.Pending(ctx, chi.URLParam(r, "bundleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]pendingImage, 0, len(rows))
	for _, row := range rows {
		items = append(items, pendingImage{
			StagingImage:       row,
			ClassificationText: appI18n.Classification(ctx, row.Classification),
			ReasonText:         appI18n.Reason(ctx, row.Reason),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": appI18n.Tp(ctx, "PagesPending", len(items)),
		"images":  items,
	})
}

func (h *Handler) handlePushBundle(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.PushAll(r.Context(), chi.URLParam(r, "bundleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []model.PushResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleLockBundle(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LockBundle(r.Context(), chi.URLParam(r, "bundleID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReclassify(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Reclassify(r.Context(), chi.URLParam(r, "bundleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclassified": n})
}

func (h *Handler) handleGetStaging(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	img, err := h.svc.Staging(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingImage{
		StagingImage:       *img,
		ClassificationText: appI18n.Classification(r.Context(), img.Classification),
		ReasonText:         appI18n.Reason(r.Context(), img.Reason),
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	res, err := h.svc.Push(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type discardRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	var req discardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Discard(r.Context(), id, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateRequest struct {
	Degrees int `json:"degrees"`
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	var req rotateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Degrees%90 != 0 {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("rotation %d is not a multiple of 90", req.Degrees))
		return
	}
	rot, err := h.svc.Rotate(r.Context(), id, req.Degrees)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rotation": rot})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Force    bool   `json:"force"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := scan.ParseDecision(req.Decision)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.ResolveCollision(r.Context(), id, decision, req.Force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type assignRequest struct {
	Paper int `json:"paper"`
	Page  int `json:"page"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	class, err := h.svc.Assign(r.Context(), id, req.Paper, req.Page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"classification":      string(class),
		"classification_text": appI18n.Classification(r.Context(), class),
	})
}

type extraRequest struct {
	Paper     int   `json:"paper"`
	Questions []int `json:"questions"`
}

func (h *Handler) handleTagExtra(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	var req extraRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.TagExtra(r.Context(), id, req.Paper, req.Questions); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUntagExtra(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	if err := h.svc.UntagExtra(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePushExtra(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "stagingID")
	if !ok {
		return
	}
	extraID, err := h.svc.PushExtra(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"extra_id": extraID})
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.svc.Papers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if papers == nil {
		papers = []int{}
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handlePaper(w http.ResponseWriter, r *http.Request) {
	paper, ok := intParam(w, r, "paper")
	if !ok {
		return
	}
	view, err := h.svc.Paper(r.Context(), int(paper))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePaperDiscards(w http.ResponseWriter, r *http.Request) {
	paper, ok := intParam(w, r, "paper")
	if !ok {
		return
	}
	discards, err := h.svc.Discards(r.Context(), int(paper))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if discards == nil {
		discards = []model.Discard{}
	}
	writeJSON(w, http.StatusOK, discards)
}

func (h *Handler) handleSlot(w http.ResponseWriter, r *http.Request) {
	paper, ok := intParam(w, r, "paper")
	if !ok {
		return
	}
	page, ok := intParam(w, r, "page")
	if !ok {
		return
	}
	kind, version, err := h.svc.GetExpected(r.Context(), int(paper), int(page))
	if err != nil {
		writeError(w, r, err)
		return
	}
	img, err := h.svc.SlotImage(r.Context(), int(paper), int(page))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paper":            paper,
		"page":             page,
		"kind":             kind,
		"expected_version": version,
		"filled":           img != nil,
		"image":            img,
	})
}

func forceParam(r *http.Request) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return force
}

func (h *Handler) handleDiscardImage(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "imageID")
	if !ok {
		return
	}
	if err := h.svc.DiscardImage(r.Context(), id, r.URL.Query().Get("reason"), forceParam(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDiscardExtra(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "extraID")
	if !ok {
		return
	}
	if err := h.svc.DiscardExtra(r.Context(), id, r.URL.Query().Get("reason"), forceParam(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
