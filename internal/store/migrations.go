package store

import (
	"database/sql"
	"fmt"

	"marketatlas/internal/logging"
)

// Migration adds a column to an existing table when upgrading an older
// database file in place.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created before the
// column existed. CREATE TABLE IF NOT EXISTS does not add columns to tables
// that already exist, so these run on every startup.
var pendingMigrations = []Migration{
	// Result schema versioning (0 = legacy flat result, 2 = comprehensive).
	{"research_tasks", "result_version", "INTEGER NOT NULL DEFAULT 0"},
	// Exactly-once completion notification flag.
	{"research_tasks", "notification_sent", "INTEGER NOT NULL DEFAULT 0"},
	// Telegram account linking.
	{"users", "telegram_chat_id", "TEXT DEFAULT ''"},
	// Stock profile enrichment from FMP.
	{"stocks", "industry", "TEXT DEFAULT ''"},
	{"stocks", "profile_json", "TEXT DEFAULT '{}'"},
	// AI news triage outputs.
	{"news", "sentiment", "TEXT DEFAULT ''"},
	{"news", "relevance_score", "REAL DEFAULT 0"},
}

// RunMigrations applies pending column migrations to an open database.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("Applied migration: %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations complete (%d applied)", applied)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}
