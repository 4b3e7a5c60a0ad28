package marketdata

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketatlas/internal/logging"
)

// FinnhubClient talks to the Finnhub REST API.
type FinnhubClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewFinnhubClient builds a client. Empty baseURL uses the live API.
func NewFinnhubClient(apiKey, baseURL string, httpClient *http.Client) *FinnhubClient {
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &FinnhubClient{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

// Enabled reports whether an API key is configured.
func (c *FinnhubClient) Enabled() bool { return c.apiKey != "" }

// Quote fetches the current quote for a symbol.
func (c *FinnhubClient) Quote(ctx context.Context, ticker string) (*Quote, error) {
	ticker = strings.ToUpper(ticker)
	var raw struct {
		C  float64 `json:"c"`
		D  float64 `json:"d"`
		DP float64 `json:"dp"`
		H  float64 `json:"h"`
		L  float64 `json:"l"`
		O  float64 `json:"o"`
		PC float64 `json:"pc"`
	}
	params := url.Values{"symbol": {ticker}, "token": {c.apiKey}}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/quote", params, nil, &raw); err != nil {
		logging.MarketDataError("Finnhub quote for %s failed: %v", ticker, err)
		return nil, err
	}
	return &Quote{
		Ticker:        ticker,
		Current:       raw.C,
		Change:        raw.D,
		PercentChange: raw.DP,
		High:          raw.H,
		Low:           raw.L,
		Open:          raw.O,
		PrevClose:     raw.PC,
	}, nil
}

// Profile fetches the company profile for a symbol.
func (c *FinnhubClient) Profile(ctx context.Context, ticker string) (*CompanyProfile, error) {
	ticker = strings.ToUpper(ticker)
	var raw struct {
		Name                 string  `json:"name"`
		Exchange             string  `json:"exchange"`
		FinnhubIndustry      string  `json:"finnhubIndustry"`
		MarketCapitalization float64 `json:"marketCapitalization"`
		WebURL               string  `json:"weburl"`
		Country              string  `json:"country"`
		Currency             string  `json:"currency"`
	}
	params := url.Values{"symbol": {ticker}, "token": {c.apiKey}}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/stock/profile2", params, nil, &raw); err != nil {
		logging.MarketDataError("Finnhub profile for %s failed: %v", ticker, err)
		return nil, err
	}
	return &CompanyProfile{
		Ticker:    ticker,
		Name:      raw.Name,
		Exchange:  raw.Exchange,
		Industry:  raw.FinnhubIndustry,
		MarketCap: raw.MarketCapitalization * 1e6, // Finnhub reports millions
		WebURL:    raw.WebURL,
		Country:   raw.Country,
		Currency:  raw.Currency,
	}, nil
}

// CompanyNews fetches news for one symbol over a date range.
func (c *FinnhubClient) CompanyNews(ctx context.Context, ticker string, from, to time.Time) ([]NewsArticle, error) {
	ticker = strings.ToUpper(ticker)
	var raw []struct {
		Headline string `json:"headline"`
		Summary  string `json:"summary"`
		Source   string `json:"source"`
		URL      string `json:"url"`
		Datetime int64  `json:"datetime"`
	}
	params := url.Values{
		"symbol": {ticker},
		"from":   {from.Format("2006-01-02")},
		"to":     {to.Format("2006-01-02")},
		"token":  {c.apiKey},
	}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/company-news", params, nil, &raw); err != nil {
		logging.MarketDataError("Finnhub company news for %s failed: %v", ticker, err)
		return nil, err
	}

	articles := make([]NewsArticle, 0, len(raw))
	for _, item := range raw {
		if item.Headline == "" {
			continue
		}
		articles = append(articles, NewsArticle{
			Ticker:      ticker,
			Headline:    item.Headline,
			Summary:     item.Summary,
			Source:      item.Source,
			URL:         item.URL,
			PublishedAt: time.Unix(item.Datetime, 0).UTC(),
		})
	}
	logging.MarketDataDebug("Finnhub returned %d articles for %s", len(articles), ticker)
	return articles, nil
}

// MarketNews fetches general market headlines.
func (c *FinnhubClient) MarketNews(ctx context.Context, category string) ([]NewsArticle, error) {
	if category == "" {
		category = "general"
	}
	var raw []struct {
		Headline string `json:"headline"`
		Summary  string `json:"summary"`
		Source   string `json:"source"`
		URL      string `json:"url"`
		Datetime int64  `json:"datetime"`
	}
	params := url.Values{"category": {category}, "token": {c.apiKey}}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/news", params, nil, &raw); err != nil {
		logging.MarketDataError("Finnhub market news failed: %v", err)
		return nil, err
	}

	articles := make([]NewsArticle, 0, len(raw))
	for _, item := range raw {
		if item.Headline == "" {
			continue
		}
		articles = append(articles, NewsArticle{
			Headline:    item.Headline,
			Summary:     item.Summary,
			Source:      item.Source,
			URL:         item.URL,
			PublishedAt: time.Unix(item.Datetime, 0).UTC(),
		})
	}
	return articles, nil
}

// Search finds common-stock symbols matching a query.
func (c *FinnhubClient) Search(ctx context.Context, query string, limit int) ([]SymbolMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	var raw struct {
		Result []struct {
			Symbol      string `json:"symbol"`
			Description string `json:"description"`
			Type        string `json:"type"`
		} `json:"result"`
	}
	params := url.Values{"q": {query}, "token": {c.apiKey}}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/search", params, nil, &raw); err != nil {
		logging.MarketDataError("Finnhub search %q failed: %v", query, err)
		return nil, err
	}

	var matches []SymbolMatch
	for _, r := range raw.Result {
		if r.Symbol == "" || r.Type != "Common Stock" {
			continue
		}
		matches = append(matches, SymbolMatch{Ticker: r.Symbol, Name: r.Description, Type: r.Type})
		if len(matches) >= limit {
			break
		}
	}
	return matches, nil
}
