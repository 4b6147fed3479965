package models

import "time"

type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ChatType string

const (
	ChatPersonal ChatType = "personal"
	ChatGroup    ChatType = "group"
)

type Chat struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	ChatType  ChatType  `json:"chat_type"`
	CreatorID int       `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Members   []User    `json:"members,omitempty"`
}

type Message struct {
	ID             int       `json:"id"`
	ChatID         int       `json:"chat_id"`
	SenderID       int       `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	ReadBy         []int     `json:"read_by,omitempty"`
}

type ReadReceipt struct {
	MessageID int       `json:"message_id"`
	UserID    int       `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
