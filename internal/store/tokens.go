package store

import (
	"fmt"
	"time"

	"marketatlas/internal/logging"
)

// Refresh-token whitelist. Each issued refresh token is recorded by its JTI;
// rotation consumes the old row and inserts the new one, so a rotated token
// presented a second time is rejected.

// SaveRefreshToken records an issued refresh token.
func (s *Store) SaveRefreshToken(jti, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO refresh_tokens (jti, user_id, expires_at) VALUES (?, ?, ?)",
		jti, userID, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically deletes the token row and reports whether it
// was present and unexpired. A false return means the token was never issued,
// already rotated, or expired.
func (s *Store) ConsumeRefreshToken(jti, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM refresh_tokens WHERE jti = ? AND user_id = ? AND expires_at > ?",
		jti, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		logging.AuthWarn("Refresh token %s rejected for user %s", jti, userID)
	}
	return n > 0, nil
}

// RevokeUserTokens deletes all refresh tokens for a user (logout everywhere).
func (s *Store) RevokeUserTokens(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM refresh_tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return nil
}

// PurgeExpiredTokens removes expired refresh tokens and returns the count.
func (s *Store) PurgeExpiredTokens() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM refresh_tokens WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
