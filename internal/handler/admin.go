package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/edufeed/internal/model"
)

type createUserRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role" validate:"required,oneof=student teacher admin"`
	Section  string `json:"section" validate:"required_if=Role student,max=50"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.createUser(req.Name, req.Email, req.Password, model.UserRole(req.Role), req.Section)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if id == currentUser(r).ID {
		writeError(w, r, fmt.Errorf("%w: you cannot disable your own account", model.ErrInvalidInput))
		return
	}
	if err := h.store.ToggleUserActive(id); err != nil {
		writeError(w, r, notFound(err, "user", id))
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !user.Active {
		revoked, err := h.store.DeleteUserAuthSessions(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		slog.Info("revoked sessions of disabled user", "user_id", id, "count", revoked)
	}
	slog.Info("toggled user active", "user_id", id, "active", user.Active)
	writeJSON(w, http.StatusOK, user)
}
