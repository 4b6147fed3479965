package store

import (
	"context"

	"github.com/pliu/chatty/internal/models"
)

// Store is the persistence surface of the service. Lookups of missing rows
// return an error wrapping apperr.ErrNotFound; unique violations wrap
// apperr.ErrConflict.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)

	// Chat operations
	CreateChat(ctx context.Context, chat *models.Chat, memberIDs []int) error
	GetChat(ctx context.Context, chatID int) (*models.Chat, error)
	ChatExists(ctx context.Context, chatID int) (bool, error)
	RenameChat(ctx context.Context, chatID int, name string) error
	AddParticipants(ctx context.Context, chatID int, userIDs []int) error
	RemoveParticipants(ctx context.Context, chatID int, userIDs []int) error
	IsParticipant(ctx context.Context, chatID, userID int) (bool, error)
	GetUserChats(ctx context.Context, userID int) ([]models.Chat, error)
	GetChatParticipants(ctx context.Context, chatID int) ([]models.User, error)

	// Message operations
	CreateMessage(ctx context.Context, chatID, senderID int, text string, idempotencyKey *string) (*models.Message, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
	GetMessage(ctx context.Context, messageID int) (*models.Message, error)
	UpdateMessageText(ctx context.Context, messageID int, text string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID int) error
	GetChatMessages(ctx context.Context, chatID, skip, limit int) ([]models.Message, error)

	// Read receipts
	RecordRead(ctx context.Context, messageID, userID int) error
	ReadersOf(ctx context.Context, messageID int) ([]int, error)

	Close() error
}
