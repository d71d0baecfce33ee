package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/model"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth is middleware that checks for a valid bearer token and
// records the operator as the actor of the request.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.unauthorized(w, r)
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), token)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			h.unauthorized(w, r)
			return
		}
		if authSess == nil {
			h.unauthorized(w, r)
			return
		}

		op, err := h.store.GetOperatorByID(r.Context(), authSess.OperatorID)
		if err != nil || op == nil || !op.Active {
			h.unauthorized(w, r)
			return
		}

		ctx := model.ContextWithActor(r.Context(), op.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="paperscan"`)
	writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "Unauthorized"))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	op, err := h.store.GetOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("failed to get operator", "error", err)
		h.loginError(w, r)
		return
	}
	if op == nil || !op.Active {
		h.loginError(w, r)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		h.loginError(w, r)
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), op.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("operator logged in", "username", op.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		_ = h.store.DeleteAuthSession(r.Context(), token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loginError(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "LoginError"))
}
