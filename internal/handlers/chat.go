package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
	"github.com/samber/lo"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

type CreateChatRequest struct {
	Name      string          `json:"name" validate:"max=100"`
	ChatType  models.ChatType `json:"chat_type" validate:"required,oneof=personal group"`
	MemberIDs []int           `json:"member_ids" validate:"required,min=1,dive,gt=0"`
}

type RenameChatRequest struct {
	Name string `json:"name" validate:"required,nonblank,max=100"`
}

type MembersRequest struct {
	MemberIDs []int `json:"member_ids" validate:"required,min=1,dive,gt=0"`
}

type OnlineResponse struct {
	ChatID  int   `json:"chat_id"`
	UserIDs []int `json:"user_ids"`
}

// OnlineLister reports which users hold a live connection to a chat.
type OnlineLister interface {
	OnlineUsers(chatID int) []int
}

// SessionEvicter closes the live connections a user holds in a chat.
type SessionEvicter interface {
	EvictUser(ctx context.Context, chatID, userID int) int
}

type ChatHandler struct {
	Store    store.Store
	Online   OnlineLister
	Sessions SessionEvicter
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req CreateChatRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	others := lo.Without(lo.Uniq(req.MemberIDs), userID)
	chat := &models.Chat{Name: strings.TrimSpace(req.Name), ChatType: req.ChatType, CreatorID: userID}

	switch req.ChatType {
	case models.ChatPersonal:
		if len(others) != 1 {
			WriteError(w, apperr.Validation("personal chat must have exactly one other member"))
			return
		}
		participant, err := h.Store.GetUserByID(r.Context(), others[0])
		if err != nil {
			WriteError(w, err)
			return
		}
		if chat.Name == "" {
			chat.Name = fmt.Sprintf("Chat with %s", participant.Username)
		}
	case models.ChatGroup:
		if chat.Name == "" {
			WriteError(w, apperr.Validation("group chat must have a name"))
			return
		}
		if err := h.requireUsers(r.Context(), others); err != nil {
			WriteError(w, err)
			return
		}
	}

	if err := h.Store.CreateChat(r.Context(), chat, append([]int{userID}, others...)); err != nil {
		WriteError(w, err)
		return
	}
	h.writeChat(r.Context(), w, http.StatusCreated, chat.ID)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	chats, err := h.Store.GetUserChats(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	WriteJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, _, err := h.memberChat(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, chat)
}

// RenameChat is restricted to the chat creator.
func (h *ChatHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	chat, userID, err := h.memberChat(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if chat.CreatorID != userID {
		WriteError(w, apperr.Forbidden("only the chat creator can rename the chat"))
		return
	}

	var req RenameChatRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.Store.RenameChat(r.Context(), chat.ID, strings.TrimSpace(req.Name)); err != nil {
		WriteError(w, err)
		return
	}
	h.writeChat(r.Context(), w, http.StatusOK, chat.ID)
}

func (h *ChatHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	chat, req, err := h.membershipChange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	current := lo.Map(chat.Members, func(u models.User, _ int) int { return u.ID })
	ids := lo.Uniq(req.MemberIDs)
	if dup, found := lo.Find(ids, func(id int) bool { return lo.Contains(current, id) }); found {
		WriteError(w, apperr.Validation("user %d is already a member", dup))
		return
	}
	if err := h.requireUsers(r.Context(), ids); err != nil {
		WriteError(w, err)
		return
	}

	if err := h.Store.AddParticipants(r.Context(), chat.ID, ids); err != nil {
		WriteError(w, err)
		return
	}
	h.writeChat(r.Context(), w, http.StatusOK, chat.ID)
}

// RemoveMembers cannot be used by the creator to leave their own chat.
// Removed users lose their live sessions in the chat as well.
func (h *ChatHandler) RemoveMembers(w http.ResponseWriter, r *http.Request) {
	chat, req, err := h.membershipChange(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if lo.Contains(req.MemberIDs, chat.CreatorID) {
		WriteError(w, apperr.Validation("cannot remove yourself using this endpoint"))
		return
	}

	removed := lo.Uniq(req.MemberIDs)
	if err := h.Store.RemoveParticipants(r.Context(), chat.ID, removed); err != nil {
		WriteError(w, err)
		return
	}
	for _, id := range removed {
		h.Sessions.EvictUser(context.WithoutCancel(r.Context()), chat.ID, id)
	}
	h.writeChat(r.Context(), w, http.StatusOK, chat.ID)
}

func (h *ChatHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	chat, _, err := h.memberChat(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, OnlineResponse{ChatID: chat.ID, UserIDs: h.Online.OnlineUsers(chat.ID)})
}

// GetChatMessages pages through history newest first.
func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	chat, _, err := h.memberChat(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		WriteError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if skip < 0 || limit < 1 || limit > maxHistoryLimit {
		WriteError(w, apperr.Validation("skip must be >= 0 and limit between 1 and %d", maxHistoryLimit))
		return
	}

	messages, err := h.Store.GetChatMessages(r.Context(), chat.ID, skip, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	WriteJSON(w, http.StatusOK, messages)
}

// memberChat loads the chat named by the path and checks that the caller
// belongs to it.
func (h *ChatHandler) memberChat(r *http.Request) (*models.Chat, int, error) {
	userID, err := currentUser(r)
	if err != nil {
		return nil, 0, err
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		return nil, 0, err
	}

	chat, err := h.Store.GetChat(r.Context(), chatID)
	if err != nil {
		return nil, 0, err
	}
	if !lo.ContainsBy(chat.Members, func(u models.User) bool { return u.ID == userID }) {
		return nil, 0, apperr.Forbidden("not a chat member")
	}
	return chat, userID, nil
}

// membershipChange checks the preconditions shared by AddMembers and
// RemoveMembers: the caller created the chat and it is a group.
func (h *ChatHandler) membershipChange(r *http.Request) (*models.Chat, MembersRequest, error) {
	var req MembersRequest
	chat, userID, err := h.memberChat(r)
	if err != nil {
		return nil, req, err
	}
	if chat.CreatorID != userID {
		return nil, req, apperr.Forbidden("only the chat creator can change members")
	}
	if chat.ChatType == models.ChatPersonal {
		return nil, req, apperr.Validation("cannot change members of a personal chat")
	}
	if err := decode(r, &req); err != nil {
		return nil, req, err
	}
	return chat, req, nil
}

func (h *ChatHandler) requireUsers(ctx context.Context, ids []int) error {
	for _, id := range ids {
		if _, err := h.Store.GetUserByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *ChatHandler) writeChat(ctx context.Context, w http.ResponseWriter, status, chatID int) {
	chat, err := h.Store.GetChat(ctx, chatID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, status, chat)
}
