package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/realtime"
	"github.com/pliu/chatty/internal/store"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CreateMessageRequest struct {
	ChatID         int     `json:"chat_id" validate:"required,gt=0"`
	Text           string  `json:"text"`
	IdempotencyKey *string `json:"idempotency_key"`
}

type UpdateMessageRequest struct {
	Text string `json:"text" validate:"validutf8,nonblank,maxunits=4000"`
}

// Notifier pushes REST side effects to live WebSocket sessions.
type Notifier interface {
	NotifyMessage(ctx context.Context, msg *models.Message) realtime.DeliveryReport
	NotifyRead(ctx context.Context, receipt realtime.Receipt, readerID int) realtime.DeliveryReport
}

type MessageHandler struct {
	Log      *slog.Logger
	Store    store.Store
	Ingestor *realtime.Ingestor
	Tracker  *realtime.Tracker
	Notifier Notifier
}

// CreateMessage stores a message and fans it out. The Idempotency-Key header
// takes precedence over the body field; a replay answers 200 with the stored
// message and is not broadcast again.
func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req CreateMessageRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		req.IdempotencyKey = &key
	}

	res, err := h.Ingestor.Ingest(r.Context(), req.ChatID, userID, req.Text, req.IdempotencyKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	if res.Replayed {
		WriteJSON(w, http.StatusOK, res.Message)
		return
	}

	report := h.Notifier.NotifyMessage(context.WithoutCancel(r.Context()), res.Message)
	h.Log.Debug("Message fanned out", "message_id", res.Message.ID, "chat_id", res.Message.ChatID,
		"delivered", report.Delivered, "failed", len(report.Failures))
	WriteJSON(w, http.StatusCreated, res.Message)
}

// GetMessage returns the message with its readers.
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, _, err := h.visibleMessage(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	readers, err := h.Store.ReadersOf(r.Context(), msg.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	msg.ReadBy = readers
	WriteJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.ownMessage(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req UpdateMessageRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	updated, err := h.Store.UpdateMessageText(r.Context(), msg.ID, req.Text)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteMessage answers with the message as it was before deletion.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.ownMessage(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := h.Store.DeleteMessage(r.Context(), msg.ID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	messageID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	receipt, err := h.Tracker.MarkRead(r.Context(), messageID, userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.Notifier.NotifyRead(context.WithoutCancel(r.Context()), receipt, userID)

	msg := *receipt.Message
	msg.ReadBy = receipt.Readers
	WriteJSON(w, http.StatusOK, msg)
}

// visibleMessage loads the message named by the path if the caller belongs
// to its chat.
func (h *MessageHandler) visibleMessage(r *http.Request) (*models.Message, int, error) {
	userID, err := currentUser(r)
	if err != nil {
		return nil, 0, err
	}
	messageID, err := pathID(r, "id")
	if err != nil {
		return nil, 0, err
	}

	msg, err := h.Store.GetMessage(r.Context(), messageID)
	if err != nil {
		return nil, 0, err
	}
	ok, err := h.Store.IsParticipant(r.Context(), msg.ChatID, userID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, apperr.Forbidden("not a chat member")
	}
	return msg, userID, nil
}

func (h *MessageHandler) ownMessage(r *http.Request) (*models.Message, error) {
	msg, userID, err := h.visibleMessage(r)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, apperr.Forbidden("only the sender can change a message")
	}
	return msg, nil
}
