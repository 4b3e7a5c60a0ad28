package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketatlas/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("already exists")

// User is a registered account.
type User struct {
	ID             string
	Email          string
	HashedPassword string
	FullName       string
	IsActive       bool
	TelegramChatID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateUser inserts a new user. Email is stored lowercased and must be
// unique; a duplicate returns ErrDuplicate.
func (s *Store) CreateUser(email, hashedPassword, fullName string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &User{
		ID:             uuid.NewString(),
		Email:          strings.ToLower(strings.TrimSpace(email)),
		HashedPassword: hashedPassword,
		FullName:       fullName,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO users (id, email, hashed_password, full_name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		u.ID, u.Email, u.HashedPassword, u.FullName, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", u.Email, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	logging.Store("Created user %s (%s)", u.ID, u.Email)
	return u, nil
}

// GetUserByEmail looks up a user by email (case-insensitive).
func (s *Store) GetUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanUser(s.db.QueryRow(
		userSelect+" WHERE email = ?", strings.ToLower(strings.TrimSpace(email)),
	))
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE id = ?", id))
}

// GetUserByTelegramChatID finds the user linked to a Telegram chat, if any.
func (s *Store) GetUserByTelegramChatID(chatID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE telegram_chat_id = ?", chatID))
}

// SetTelegramChatID links (or unlinks, with empty chatID) a Telegram chat to
// the user for research notifications.
func (s *Store) SetTelegramChatID(userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE users SET telegram_chat_id = ?, updated_at = ? WHERE id = ?",
		chatID, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set telegram chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// SetUserActive enables or disables an account.
func (s *Store) SetUserActive(userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

const userSelect = `SELECT id, email, hashed_password, full_name, is_active,
	telegram_chat_id, created_at, updated_at FROM users`

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var active int
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.FullName, &active,
		&u.TelegramChatID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.IsActive = active != 0
	return &u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
