package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pliu/chatty/internal/models"
)

const messageColumns = "id, chat_id, sender_id, text, idempotency_key, created_at, updated_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var key sql.NullString
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Text, &key, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	if key.Valid {
		msg.IdempotencyKey = &key.String
	}
	return &msg, nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, chatID, senderID int, text string, idempotencyKey *string) (*models.Message, error) {
	now := s.now()
	var key sql.NullString
	if idempotencyKey != nil {
		key = sql.NullString{String: *idempotencyKey, Valid: true}
	}

	query := s.rebind("INSERT INTO messages (chat_id, sender_id, text, idempotency_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING " + messageColumns)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, chatID, senderID, text, key, now, now))
	if err != nil {
		return nil, translate(err, "message idempotency key")
	}
	return msg, nil
}

func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE idempotency_key = ?")
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, translate(err, "message with idempotency key")
	}
	return msg, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, messageID int) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if err != nil {
		return nil, translate(err, fmt.Sprintf("message %d", messageID))
	}
	return msg, nil
}

func (s *SQLStore) UpdateMessageText(ctx context.Context, messageID int, text string) (*models.Message, error) {
	query := s.rebind("UPDATE messages SET text = ?, updated_at = ? WHERE id = ? RETURNING " + messageColumns)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, text, s.now(), messageID))
	if err != nil {
		return nil, translate(err, fmt.Sprintf("message %d", messageID))
	}
	return msg, nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, messageID int) error {
	query := s.rebind("DELETE FROM messages WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return translate(sql.ErrNoRows, fmt.Sprintf("message %d", messageID))
	}
	return nil
}

// GetChatMessages returns a page of history, newest first.
func (s *SQLStore) GetChatMessages(ctx context.Context, chatID, skip, limit int) ([]models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	rows, err := s.db.QueryContext(ctx, query, chatID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// RecordRead is idempotent: a second read by the same user keeps the
// original read_at.
func (s *SQLStore) RecordRead(ctx context.Context, messageID, userID int) error {
	query := s.rebind("INSERT INTO message_read_status (message_id, user_id, read_at) VALUES (?, ?, ?) ON CONFLICT (message_id, user_id) DO NOTHING")
	_, err := s.db.ExecContext(ctx, query, messageID, userID, s.now())
	return err
}

func (s *SQLStore) ReadersOf(ctx context.Context, messageID int) ([]int, error) {
	query := s.rebind("SELECT user_id FROM message_read_status WHERE message_id = ? ORDER BY user_id")
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readers := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}
