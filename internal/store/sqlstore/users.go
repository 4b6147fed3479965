package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pliu/chatty/internal/models"
)

const userColumns = "id, username, email, password_hash, is_active, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	now := s.now()
	query := s.rebind("INSERT INTO users (username, email, password_hash, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, user.Username, strings.ToLower(user.Email), user.PasswordHash, true, now, now).Scan(&user.ID)
	if err != nil {
		return translate(err, "user")
	}
	user.Email = strings.ToLower(user.Email)
	user.IsActive = true
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(email)))
	if err != nil {
		return nil, translate(err, "user")
	}
	return user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, fmt.Sprintf("user %d", id))
	}
	return user, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, queryStr+"%")
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

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return email
	}
	local, domain := parts[0], parts[1]
	length := len(local)
	visible := 1
	if length > 2 {
		visible = min(length/2, 3)
	}

	maskedLocal := local[:visible] + strings.Repeat("*", length-visible)
	return maskedLocal + "@" + domain
}
