package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Watchlist is a named collection of tickers owned by one user.
type Watchlist struct {
	ID          string
	UserID      string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Items       []WatchlistItem
}

// WatchlistItem is one ticker on a watchlist.
type WatchlistItem struct {
	ID          string
	WatchlistID string
	Ticker      string
	Notes       string
	AddedAt     time.Time
}

// CreateWatchlist creates an empty watchlist for the user.
func (s *Store) CreateWatchlist(userID, name, description string) (*Watchlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &Watchlist{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO watchlists (id, user_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Name, w.Description, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchlist: %w", err)
	}
	return w, nil
}

// GetWatchlist returns a watchlist with its items. Ownership is enforced:
// a watchlist belonging to a different user reads as ErrNotFound.
func (s *Store) GetWatchlist(id, userID string) (*Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w Watchlist
	err := s.db.QueryRow(
		`SELECT id, user_id, name, description, created_at, updated_at
		 FROM watchlists WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&w.ID, &w.UserID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watchlist: %w", err)
	}

	items, err := s.listItems(w.ID)
	if err != nil {
		return nil, err
	}
	w.Items = items
	return &w, nil
}

// ListWatchlists returns all watchlists for a user, items included, newest
// first.
func (s *Store) ListWatchlists(userID string) ([]*Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, user_id, name, description, created_at, updated_at
		 FROM watchlists WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlists: %w", err)
	}
	defer rows.Close()

	var lists []*Watchlist
	for rows.Next() {
		var w Watchlist
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist: %w", err)
		}
		lists = append(lists, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, w := range lists {
		items, err := s.listItems(w.ID)
		if err != nil {
			return nil, err
		}
		w.Items = items
	}
	return lists, nil
}

// UpdateWatchlist renames a watchlist and/or updates its description.
func (s *Store) UpdateWatchlist(id, userID, name, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE watchlists SET name = ?, description = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		name, description, time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update watchlist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWatchlist removes a watchlist and its items.
func (s *Store) DeleteWatchlist(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM watchlists WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete watchlist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddWatchlistItem adds a ticker to a watchlist. Adding a ticker that is
// already present returns ErrDuplicate.
func (s *Store) AddWatchlistItem(watchlistID, userID, ticker, notes string) (*WatchlistItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ownership check before touching items.
	var owner string
	err := s.db.QueryRow("SELECT user_id FROM watchlists WHERE id = ?", watchlistID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check watchlist: %w", err)
	}

	item := &WatchlistItem{
		ID:          uuid.NewString(),
		WatchlistID: watchlistID,
		Ticker:      strings.ToUpper(strings.TrimSpace(ticker)),
		Notes:       notes,
		AddedAt:     time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO watchlist_items (id, watchlist_id, ticker, notes, added_at)
		 VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.WatchlistID, item.Ticker, item.Notes, item.AddedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("ticker %s: %w", item.Ticker, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to add item: %w", err)
	}

	_, _ = s.db.Exec("UPDATE watchlists SET updated_at = ? WHERE id = ?", time.Now().UTC(), watchlistID)
	return item, nil
}

// RemoveWatchlistItem removes a ticker from a watchlist.
func (s *Store) RemoveWatchlistItem(watchlistID, userID, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM watchlist_items WHERE watchlist_id = ? AND ticker = ?
		 AND watchlist_id IN (SELECT id FROM watchlists WHERE user_id = ?)`,
		watchlistID, strings.ToUpper(strings.TrimSpace(ticker)), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WatchedTickers returns the distinct set of tickers appearing on any
// watchlist, used by the periodic news and filings jobs.
func (s *Store) WatchedTickers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT ticker FROM watchlist_items ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// WatcherChatIDs returns the Telegram chat IDs of active users who have the
// ticker on a watchlist and have linked a chat.
func (s *Store) WatcherChatIDs(ticker string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT u.telegram_chat_id
		 FROM users u
		 JOIN watchlists w ON w.user_id = u.id
		 JOIN watchlist_items wi ON wi.watchlist_id = w.id
		 WHERE wi.ticker = ? AND u.is_active = 1 AND u.telegram_chat_id != ''`,
		strings.ToUpper(strings.TrimSpace(ticker)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list watcher chats: %w", err)
	}
	defer rows.Close()

	var chatIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chatIDs = append(chatIDs, id)
	}
	return chatIDs, rows.Err()
}

func (s *Store) listItems(watchlistID string) ([]WatchlistItem, error) {
	rows, err := s.db.Query(
		`SELECT id, watchlist_id, ticker, notes, added_at
		 FROM watchlist_items WHERE watchlist_id = ? ORDER BY added_at`, watchlistID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []WatchlistItem
	for rows.Next() {
		var it WatchlistItem
		if err := rows.Scan(&it.ID, &it.WatchlistID, &it.Ticker, &it.Notes, &it.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
