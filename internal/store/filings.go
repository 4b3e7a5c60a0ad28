package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filing is one SEC filing discovered for a watched ticker. AccessionNumber
// is SEC's unique filing identifier and dedups repeated fetches.
type Filing struct {
	ID              string
	AccessionNumber string
	Ticker          string
	FormType        string
	FiledAt         time.Time
	Title           string
	URL             string
	Analyzed        bool
	AnalysisJSON    string
	CreatedAt       time.Time
}

// InsertFiling stores a filing, ignoring duplicates. Returns true when the
// row was actually inserted.
func (s *Store) InsertFiling(f *Filing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Ticker = strings.ToUpper(strings.TrimSpace(f.Ticker))

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO filings (id, accession_number, ticker, form_type,
			filed_at, title, url, analyzed, analysis_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccessionNumber, f.Ticker, f.FormType, f.FiledAt.UTC(),
		f.Title, f.URL, boolToInt(f.Analyzed), f.AnalysisJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert filing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetFiling returns a filing by ID.
func (s *Store) GetFiling(id string) (*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(filingSelect+" WHERE id = ?", id)
	return scanFilingRow(row)
}

// GetFilingByAccession returns a filing by SEC accession number.
func (s *Store) GetFilingByAccession(accession string) (*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(filingSelect+" WHERE accession_number = ?", accession)
	return scanFilingRow(row)
}

// ListFilings returns filings, newest first, optionally filtered by ticker.
func (s *Store) ListFilings(ticker string, limit int) ([]*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := filingSelect
	args := []interface{}{}
	if ticker != "" {
		query += " WHERE ticker = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(ticker)))
	}
	query += " ORDER BY filed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list filings: %w", err)
	}
	defer rows.Close()

	var filings []*Filing
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, err
		}
		filings = append(filings, f)
	}
	return filings, rows.Err()
}

// SetFilingAnalysis stores the AI analysis for a filing and marks it done.
func (s *Store) SetFilingAnalysis(id, analysisJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE filings SET analyzed = 1, analysis_json = ? WHERE id = ?",
		analysisJSON, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set filing analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const filingSelect = `SELECT id, accession_number, ticker, form_type, filed_at,
	title, url, analyzed, analysis_json, created_at FROM filings`

func scanFiling(rows *sql.Rows) (*Filing, error) {
	var f Filing
	var analyzed int
	var filedAt sql.NullTime
	err := rows.Scan(&f.ID, &f.AccessionNumber, &f.Ticker, &f.FormType, &filedAt,
		&f.Title, &f.URL, &analyzed, &f.AnalysisJSON, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan filing: %w", err)
	}
	f.Analyzed = analyzed != 0
	if filedAt.Valid {
		f.FiledAt = filedAt.Time
	}
	return &f, nil
}

func scanFilingRow(row *sql.Row) (*Filing, error) {
	var f Filing
	var analyzed int
	var filedAt sql.NullTime
	err := row.Scan(&f.ID, &f.AccessionNumber, &f.Ticker, &f.FormType, &filedAt,
		&f.Title, &f.URL, &analyzed, &f.AnalysisJSON, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan filing: %w", err)
	}
	f.Analyzed = analyzed != 0
	if filedAt.Valid {
		f.FiledAt = filedAt.Time
	}
	return &f, nil
}
