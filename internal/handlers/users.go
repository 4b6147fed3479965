package handlers

import (
	"net/http"
	"strings"

	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

type UserHandler struct {
	Store store.Store
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	user, err := h.Store.GetUserByID(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// Search matches usernames by prefix. An empty query returns no users.
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		WriteJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		WriteError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	WriteJSON(w, http.StatusOK, users)
}
