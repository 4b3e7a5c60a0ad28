package marketdata

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketatlas/internal/logging"
)

// PolygonClient talks to the Polygon.io reference API, used as the secondary
// news source alongside Finnhub.
type PolygonClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewPolygonClient builds a client. Empty baseURL uses the live API.
func NewPolygonClient(apiKey, baseURL string, httpClient *http.Client) *PolygonClient {
	if baseURL == "" {
		baseURL = "https://api.polygon.io"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &PolygonClient{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

// Enabled reports whether an API key is configured.
func (c *PolygonClient) Enabled() bool { return c.apiKey != "" }

// TickerNews fetches recent articles for a symbol.
func (c *PolygonClient) TickerNews(ctx context.Context, ticker string, limit int) ([]NewsArticle, error) {
	ticker = strings.ToUpper(ticker)
	if limit <= 0 {
		limit = 20
	}
	var raw struct {
		Results []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			ArticleURL  string `json:"article_url"`
			Publisher   struct {
				Name string `json:"name"`
			} `json:"publisher"`
			PublishedUTC time.Time `json:"published_utc"`
		} `json:"results"`
	}
	params := url.Values{
		"ticker": {ticker},
		"limit":  {strconv.Itoa(limit)},
		"apiKey": {c.apiKey},
	}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/v2/reference/news", params, nil, &raw); err != nil {
		logging.MarketDataError("Polygon news for %s failed: %v", ticker, err)
		return nil, err
	}

	articles := make([]NewsArticle, 0, len(raw.Results))
	for _, item := range raw.Results {
		if item.Title == "" {
			continue
		}
		articles = append(articles, NewsArticle{
			Ticker:      ticker,
			Headline:    item.Title,
			Summary:     item.Description,
			Source:      item.Publisher.Name,
			URL:         item.ArticleURL,
			PublishedAt: item.PublishedUTC.UTC(),
		})
	}
	logging.MarketDataDebug("Polygon returned %d articles for %s", len(articles), ticker)
	return articles, nil
}

// TickerDetails fetches reference data for a symbol.
func (c *PolygonClient) TickerDetails(ctx context.Context, ticker string) (*CompanyProfile, error) {
	ticker = strings.ToUpper(ticker)
	var raw struct {
		Results struct {
			Name            string  `json:"name"`
			MarketCap       float64 `json:"market_cap"`
			PrimaryExchange string  `json:"primary_exchange"`
			Description     string  `json:"description"`
			HomepageURL     string  `json:"homepage_url"`
			SICDescription  string  `json:"sic_description"`
		} `json:"results"`
	}
	params := url.Values{"apiKey": {c.apiKey}}
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/v3/reference/tickers/"+ticker, params, nil, &raw); err != nil {
		logging.MarketDataError("Polygon details for %s failed: %v", ticker, err)
		return nil, err
	}
	return &CompanyProfile{
		Ticker:      ticker,
		Name:        raw.Results.Name,
		Exchange:    raw.Results.PrimaryExchange,
		Industry:    raw.Results.SICDescription,
		MarketCap:   raw.Results.MarketCap,
		Description: raw.Results.Description,
		WebURL:      raw.Results.HomepageURL,
	}, nil
}
