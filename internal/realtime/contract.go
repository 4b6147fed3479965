//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package realtime

import (
	"context"

	"github.com/pliu/chatty/internal/models"
)

type MembershipChecker interface {
	ChatExists(ctx context.Context, chatID int) (bool, error)
	IsParticipant(ctx context.Context, chatID, userID int) (bool, error)
}

// MessageStore persists messages. CreateMessage returns an error wrapping
// apperr.ErrConflict when the idempotency key is already taken.
type MessageStore interface {
	CreateMessage(ctx context.Context, chatID, senderID int, text string, idempotencyKey *string) (*models.Message, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
	GetMessage(ctx context.Context, messageID int) (*models.Message, error)
}

type ReceiptStore interface {
	RecordRead(ctx context.Context, messageID, userID int) error
	ReadersOf(ctx context.Context, messageID int) ([]int, error)
}

type TokenVerifier interface {
	VerifyAccess(token string) (int, error)
}

// Conn is one open client connection as seen by the core. Send must not
// block: a full outbound buffer is reported as an error. Close must be safe
// to call more than once and from any goroutine.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}
