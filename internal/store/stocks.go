package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stock is a cached company snapshot assembled from market-data providers.
// It is served on the API as-is, hence the JSON tags.
type Stock struct {
	Ticker         string    `json:"ticker"`
	CompanyName    string    `json:"company_name"`
	Exchange       string    `json:"exchange"`
	Sector         string    `json:"sector"`
	Industry       string    `json:"industry"`
	MarketCap      float64   `json:"market_cap"`
	LastPrice      float64   `json:"last_price"`
	PriceUpdatedAt time.Time `json:"price_updated_at"`
	ProfileJSON    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UpsertStock inserts or refreshes a stock snapshot.
func (s *Store) UpsertStock(st *Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Ticker = strings.ToUpper(strings.TrimSpace(st.Ticker))
	now := time.Now().UTC()
	if st.ProfileJSON == "" {
		st.ProfileJSON = "{}"
	}

	_, err := s.db.Exec(
		`INSERT INTO stocks (ticker, company_name, exchange, sector, industry,
			market_cap, last_price, price_updated_at, profile_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticker) DO UPDATE SET
			company_name = excluded.company_name,
			exchange = excluded.exchange,
			sector = excluded.sector,
			industry = excluded.industry,
			market_cap = excluded.market_cap,
			last_price = excluded.last_price,
			price_updated_at = excluded.price_updated_at,
			profile_json = excluded.profile_json,
			updated_at = excluded.updated_at`,
		st.Ticker, st.CompanyName, st.Exchange, st.Sector, st.Industry,
		st.MarketCap, st.LastPrice, now, st.ProfileJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stock %s: %w", st.Ticker, err)
	}
	return nil
}

// UpdateStockPrice refreshes only the quote fields of an existing snapshot.
func (s *Store) UpdateStockPrice(ticker string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE stocks SET last_price = ?, price_updated_at = ?, updated_at = ? WHERE ticker = ?",
		price, time.Now().UTC(), time.Now().UTC(), strings.ToUpper(ticker),
	)
	if err != nil {
		return fmt.Errorf("failed to update price: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStock returns the cached snapshot for a ticker.
func (s *Store) GetStock(ticker string) (*Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stock
	var priceAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT ticker, company_name, exchange, sector, industry, market_cap,
			last_price, price_updated_at, profile_json, created_at, updated_at
		 FROM stocks WHERE ticker = ?`, strings.ToUpper(strings.TrimSpace(ticker)),
	).Scan(&st.Ticker, &st.CompanyName, &st.Exchange, &st.Sector, &st.Industry,
		&st.MarketCap, &st.LastPrice, &priceAt, &st.ProfileJSON, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}
	if priceAt.Valid {
		st.PriceUpdatedAt = priceAt.Time
	}
	return &st, nil
}

// ListStocks returns snapshots for the given tickers; unknown tickers are
// skipped rather than erroring.
func (s *Store) ListStocks(tickers []string) ([]*Stock, error) {
	var stocks []*Stock
	for _, t := range tickers {
		st, err := s.GetStock(t)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, st)
	}
	return stocks, nil
}
