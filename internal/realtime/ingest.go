package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/validation"
)

type messageInput struct {
	Text           string  `json:"text" validate:"validutf8,nonblank,maxunits=4000"`
	IdempotencyKey *string `json:"idempotency_key" validate:"omitempty,maxbytes=255"`
}

// Ingested is the outcome of Ingest. Replayed messages were stored by an
// earlier request with the same idempotency key and must not be
// broadcast again.
type Ingested struct {
	Message  *models.Message
	Replayed bool
}

type Ingestor struct {
	log      *slog.Logger
	members  MembershipChecker
	messages MessageStore
}

func NewIngestor(log *slog.Logger, members MembershipChecker, messages MessageStore) *Ingestor {
	return &Ingestor{log: log, members: members, messages: messages}
}

// Ingest persists a message from a chat member. Membership is checked
// before the text so outsiders learn nothing about the text rules. An empty
// idempotency key is the same as none.
func (i *Ingestor) Ingest(ctx context.Context, chatID, senderID int, text string, idempotencyKey *string) (Ingested, error) {
	if idempotencyKey != nil && *idempotencyKey == "" {
		idempotencyKey = nil
	}
	if err := requireMember(ctx, i.members, chatID, senderID); err != nil {
		return Ingested{}, err
	}
	if err := validation.Struct(messageInput{Text: text, IdempotencyKey: idempotencyKey}); err != nil {
		return Ingested{}, err
	}

	if idempotencyKey != nil {
		existing, err := i.messages.FindByIdempotencyKey(ctx, *idempotencyKey)
		switch {
		case err == nil:
			return replay(existing, chatID, senderID)
		case !errors.Is(err, apperr.ErrNotFound):
			return Ingested{}, err
		}
	}

	msg, err := i.messages.CreateMessage(ctx, chatID, senderID, text, idempotencyKey)
	if err == nil {
		return Ingested{Message: msg}, nil
	}
	if idempotencyKey == nil || !errors.Is(err, apperr.ErrConflict) {
		return Ingested{}, err
	}

	// Lost the insert race on the key; the stored row wins.
	i.log.Debug("Idempotency key race", "chat_id", chatID, "sender_id", senderID)
	winner, ferr := i.messages.FindByIdempotencyKey(ctx, *idempotencyKey)
	if ferr != nil {
		return Ingested{}, ferr
	}
	return replay(winner, chatID, senderID)
}

func replay(msg *models.Message, chatID, senderID int) (Ingested, error) {
	if msg.ChatID != chatID || msg.SenderID != senderID {
		return Ingested{}, apperr.Validation("idempotency key already used for another message")
	}
	return Ingested{Message: msg, Replayed: true}, nil
}

// requireMember maps a missing chat to NotFound and a non-member to
// Forbidden.
func requireMember(ctx context.Context, members MembershipChecker, chatID, userID int) error {
	exists, err := members.ChatExists(ctx, chatID)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("chat %d", chatID)
	}
	ok, err := members.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("user %d is not a member of chat %d", userID, chatID)
	}
	return nil
}
