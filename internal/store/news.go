package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewsItem is one deduplicated headline. ContentHash is derived from the
// headline and URL so the same story fetched twice inserts once.
type NewsItem struct {
	ID             string
	ContentHash    string
	Ticker         string
	Headline       string
	Summary        string
	Source         string
	URL            string
	PublishedAt    time.Time
	Sentiment      string
	RelevanceScore float64
	Analyzed       bool
	CreatedAt      time.Time
}

// NewsHash computes the dedup hash for a headline/URL pair.
func NewsHash(headline, url string) string {
	sum := sha256.Sum256([]byte(headline + "\x00" + url))
	return hex.EncodeToString(sum[:])
}

// InsertNews stores a news item, ignoring duplicates. Returns true when the
// row was actually inserted.
func (s *Store) InsertNews(n *NewsItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ContentHash == "" {
		n.ContentHash = NewsHash(n.Headline, n.URL)
	}
	n.Ticker = strings.ToUpper(strings.TrimSpace(n.Ticker))

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO news (id, content_hash, ticker, headline, summary,
			source, url, published_at, sentiment, relevance_score, analyzed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ContentHash, n.Ticker, n.Headline, n.Summary,
		n.Source, n.URL, n.PublishedAt.UTC(), n.Sentiment, n.RelevanceScore,
		boolToInt(n.Analyzed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert news: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

// SetNewsAnalysis records AI triage results for a news item.
func (s *Store) SetNewsAnalysis(id, sentiment string, relevance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE news SET sentiment = ?, relevance_score = ?, analyzed = 1 WHERE id = ?",
		sentiment, relevance, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set news analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNews returns recent news, newest first. Ticker filters to one symbol
// when non-empty; limit caps the result set (default 50).
func (s *Store) ListNews(ticker string, limit int) ([]*NewsItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, content_hash, ticker, headline, summary, source, url,
		published_at, sentiment, relevance_score, analyzed, created_at FROM news`
	args := []interface{}{}
	if ticker != "" {
		query += " WHERE ticker = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(ticker)))
	}
	query += " ORDER BY published_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list news: %w", err)
	}
	defer rows.Close()

	var items []*NewsItem
	for rows.Next() {
		n, err := scanNews(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// GetNewsItem returns one news item by ID.
func (s *Store) GetNewsItem(id string) (*NewsItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, content_hash, ticker, headline, summary, source, url,
			published_at, sentiment, relevance_score, analyzed, created_at
		 FROM news WHERE id = ?`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get news: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanNews(rows)
}

// PageNews returns one page of news for a set of tickers, newest first,
// plus the total match count. An empty ticker set means all news.
func (s *Store) PageNews(tickers []string, page, pageSize int) ([]*NewsItem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	where := ""
	args := []interface{}{}
	if len(tickers) > 0 {
		where = " WHERE ticker IN (?" + strings.Repeat(",?", len(tickers)-1) + ")"
		for _, t := range tickers {
			args = append(args, strings.ToUpper(strings.TrimSpace(t)))
		}
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM news"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count news: %w", err)
	}

	query := `SELECT id, content_hash, ticker, headline, summary, source, url,
		published_at, sentiment, relevance_score, analyzed, created_at FROM news` +
		where + " ORDER BY published_at DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to page news: %w", err)
	}
	defer rows.Close()

	var items []*NewsItem
	for rows.Next() {
		n, err := scanNews(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

// UnanalyzedNews returns items the AI triage pass has not scored yet.
func (s *Store) UnanalyzedNews(limit int) ([]*NewsItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, content_hash, ticker, headline, summary, source, url,
			published_at, sentiment, relevance_score, analyzed, created_at
		 FROM news WHERE analyzed = 0 ORDER BY published_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unanalyzed news: %w", err)
	}
	defer rows.Close()

	var items []*NewsItem
	for rows.Next() {
		n, err := scanNews(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// PruneNews deletes news older than the cutoff and returns the count.
func (s *Store) PruneNews(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM news WHERE published_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune news: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanNews(rows *sql.Rows) (*NewsItem, error) {
	var n NewsItem
	var analyzed int
	var published sql.NullTime
	err := rows.Scan(&n.ID, &n.ContentHash, &n.Ticker, &n.Headline, &n.Summary,
		&n.Source, &n.URL, &published, &n.Sentiment, &n.RelevanceScore,
		&analyzed, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan news: %w", err)
	}
	n.Analyzed = analyzed != 0
	if published.Valid {
		n.PublishedAt = published.Time
	}
	return &n, nil
}
