// Package store implements SQLite persistence for Market Atlas: users and
// auth tokens, watchlists, stock snapshots, news, SEC filings, and the
// research task queue. A single Store owns the database handle; SQLite runs
// in WAL mode with a single writer connection.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"marketatlas/internal/logging"
)

// Store wraps the SQLite database behind entity-level accessors.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (or creates) the SQLite database at the given path and
// applies the schema. Pass ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.StoreDebug("Database schema initialized")
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			full_name TEXT DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			telegram_chat_id TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,
		`CREATE TABLE IF NOT EXISTS watchlists (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlists_user ON watchlists(user_id)`,
		`CREATE TABLE IF NOT EXISTS watchlist_items (
			id TEXT PRIMARY KEY,
			watchlist_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			notes TEXT DEFAULT '',
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(watchlist_id, ticker),
			FOREIGN KEY (watchlist_id) REFERENCES watchlists(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS stocks (
			ticker TEXT PRIMARY KEY,
			company_name TEXT DEFAULT '',
			exchange TEXT DEFAULT '',
			sector TEXT DEFAULT '',
			industry TEXT DEFAULT '',
			market_cap REAL DEFAULT 0,
			last_price REAL DEFAULT 0,
			price_updated_at DATETIME,
			profile_json TEXT DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS news (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL UNIQUE,
			ticker TEXT DEFAULT '',
			headline TEXT NOT NULL,
			summary TEXT DEFAULT '',
			source TEXT DEFAULT '',
			url TEXT DEFAULT '',
			published_at DATETIME,
			sentiment TEXT DEFAULT '',
			relevance_score REAL DEFAULT 0,
			analyzed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_news_ticker ON news(ticker)`,
		`CREATE INDEX IF NOT EXISTS idx_news_published ON news(published_at)`,
		`CREATE TABLE IF NOT EXISTS filings (
			id TEXT PRIMARY KEY,
			accession_number TEXT NOT NULL UNIQUE,
			ticker TEXT NOT NULL,
			form_type TEXT NOT NULL,
			filed_at DATETIME,
			title TEXT DEFAULT '',
			url TEXT DEFAULT '',
			analyzed INTEGER NOT NULL DEFAULT 0,
			analysis_json TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_filings_ticker ON filings(ticker)`,
		`CREATE TABLE IF NOT EXISTS research_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			progress INTEGER NOT NULL DEFAULT 0,
			parameters_json TEXT NOT NULL DEFAULT '{}',
			result_json TEXT DEFAULT '',
			result_version INTEGER NOT NULL DEFAULT 0,
			error_message TEXT DEFAULT '',
			notification_sent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON research_tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON research_tasks(status)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
