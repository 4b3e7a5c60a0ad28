// Package marketdata holds the HTTP clients for the external providers:
// Finnhub (quotes, profiles, news, symbol search), FMP (fundamentals and
// earnings transcripts), Polygon (ticker news and reference data), and SEC
// EDGAR (filings). Each client takes an injectable base URL and http.Client
// so tests run against httptest servers.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds one provider call when the context has no deadline.
const DefaultTimeout = 15 * time.Second

// NewsArticle is a provider-neutral headline.
type NewsArticle struct {
	Ticker      string
	Headline    string
	Summary     string
	Source      string
	URL         string
	PublishedAt time.Time
}

// Quote is a point-in-time price.
type Quote struct {
	Ticker        string
	Current       float64
	Change        float64
	PercentChange float64
	High          float64
	Low           float64
	Open          float64
	PrevClose     float64
}

// CompanyProfile is the merged company snapshot.
type CompanyProfile struct {
	Ticker      string
	Name        string
	Exchange    string
	Sector      string
	Industry    string
	MarketCap   float64
	Description string
	WebURL      string
	Country     string
	Currency    string
}

// SymbolMatch is one symbol-search hit.
type SymbolMatch struct {
	Ticker string
	Name   string
	Type   string
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, params url.Values, headers map[string]string, out interface{}) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func getText(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}
