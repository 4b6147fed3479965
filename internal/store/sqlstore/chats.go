package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pliu/chatty/internal/models"
)

func (s *SQLStore) CreateChat(ctx context.Context, chat *models.Chat, memberIDs []int) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind("INSERT INTO chats (name, chat_type, creator_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id")
		if err := tx.QueryRowContext(ctx, query, chat.Name, chat.ChatType, chat.CreatorID, now, now).Scan(&chat.ID); err != nil {
			return err
		}
		return s.insertParticipants(ctx, tx, chat.ID, memberIDs)
	})
	if err != nil {
		return translate(err, "chat member")
	}
	chat.CreatedAt = now
	chat.UpdatedAt = now
	return nil
}

func (s *SQLStore) insertParticipants(ctx context.Context, tx *sql.Tx, chatID int, userIDs []int) error {
	query := s.rebind("INSERT INTO participants (chat_id, user_id) VALUES (?, ?)")
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, query, chatID, userID); err != nil {
			return err
		}
	}
	return nil
}

// GetChat returns the chat together with its members.
func (s *SQLStore) GetChat(ctx context.Context, chatID int) (*models.Chat, error) {
	var chat models.Chat
	query := s.rebind("SELECT id, name, chat_type, creator_id, created_at, updated_at FROM chats WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&chat.ID, &chat.Name, &chat.ChatType, &chat.CreatorID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("chat %d", chatID))
	}

	members, err := s.GetChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Members = members
	return &chat, nil
}

func (s *SQLStore) ChatExists(ctx context.Context, chatID int) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)")
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) RenameChat(ctx context.Context, chatID int, name string) error {
	query := s.rebind("UPDATE chats SET name = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, name, s.now(), chatID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return translate(sql.ErrNoRows, fmt.Sprintf("chat %d", chatID))
	}
	return nil
}

func (s *SQLStore) AddParticipants(ctx context.Context, chatID int, userIDs []int) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertParticipants(ctx, tx, chatID, userIDs)
	})
	return translate(err, "chat member")
}

func (s *SQLStore) RemoveParticipants(ctx context.Context, chatID int, userIDs []int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind("DELETE FROM participants WHERE chat_id = ? AND user_id = ?")
		for _, userID := range userIDs {
			if _, err := tx.ExecContext(ctx, query, chatID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) IsParticipant(ctx context.Context, chatID, userID int) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = ? AND user_id = ?)")
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetUserChats(ctx context.Context, userID int) ([]models.Chat, error) {
	query := s.rebind(`
		SELECT c.id, c.name, c.chat_type, c.creator_id, c.created_at, c.updated_at
		FROM chats c
		JOIN participants p ON c.id = p.chat_id
		WHERE p.user_id = ?
		ORDER BY c.id
	`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.ChatType, &chat.CreatorID, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLStore) GetChatParticipants(ctx context.Context, chatID int) ([]models.User, error) {
	query := s.rebind(`
		SELECT u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.updated_at
		FROM users u
		JOIN participants p ON u.id = p.user_id
		WHERE p.chat_id = ?
		ORDER BY u.id
	`)

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		user.Email = maskEmail(user.Email)
		users = append(users, *user)
	}
	return users, rows.Err()
}
