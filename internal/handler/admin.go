package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/paperscan/internal/model"
)

type operatorView struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

func (h *Handler) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := h.store.ListOperators(r.Context())
	if err != nil {
		slog.Error("failed to list operators", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]operatorView, 0, len(ops))
	for _, o := range ops {
		out = append(out, operatorView{ID: o.ID, Username: o.Username, DisplayName: o.DisplayName, Active: o.Active})
	}
	writeJSON(w, http.StatusOK, out)
}

type createOperatorRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (h *Handler) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "username and password required")
		return
	}
	existing, err := h.store.GetOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing != nil {
		writeMessage(w, http.StatusConflict, "operator "+req.Username+" already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateOperator(r.Context(), model.Operator{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("operator created via API", "username", req.Username, "by", model.ActorFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, operatorView{ID: id, Username: req.Username, DisplayName: req.DisplayName, Active: true})
}

func (h *Handler) handleToggleOperatorActive(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "operatorID")
	if !ok {
		return
	}
	op, err := h.store.GetOperatorByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if op == nil {
		writeMessage(w, http.StatusNotFound, "operator not found")
		return
	}
	if err := h.store.ToggleOperatorActive(r.Context(), id); err != nil {
		slog.Error("failed to toggle operator active", "id", id, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, operatorView{ID: op.ID, Username: op.Username, DisplayName: op.DisplayName, Active: !op.Active})
}
