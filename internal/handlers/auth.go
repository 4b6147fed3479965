package handlers

import (
	"net/http"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=100"`
}

type TokenRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type AuthHandler struct {
	Store  store.Store
	Tokens *auth.Issuer
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}

	user := &models.User{Username: req.Username, Email: req.Email, PasswordHash: hash}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, user)
}

// Token logs a user in by email and password.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			err = apperr.Unauthorized("invalid credentials")
		}
		WriteError(w, err)
		return
	}

	ok, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !ok || !user.IsActive {
		WriteError(w, apperr.Unauthorized("invalid credentials"))
		return
	}
	h.issue(w, user.ID)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	userID, err := h.Tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := h.Store.GetUserByID(r.Context(), userID); err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			err = apperr.Unauthorized("user no longer exists")
		}
		WriteError(w, err)
		return
	}
	h.issue(w, userID)
}

func (h *AuthHandler) issue(w http.ResponseWriter, userID int) {
	pair, err := h.Tokens.IssuePair(userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pair)
}
