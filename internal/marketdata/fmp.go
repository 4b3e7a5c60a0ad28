package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"marketatlas/internal/logging"
)

// FMPClient talks to the Financial Modeling Prep API for fundamentals and
// earnings call transcripts.
type FMPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewFMPClient builds a client. Empty baseURL uses the live API.
func NewFMPClient(apiKey, baseURL string, httpClient *http.Client) *FMPClient {
	if baseURL == "" {
		baseURL = "https://financialmodelingprep.com/api"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &FMPClient{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

// Enabled reports whether an API key is configured.
func (c *FMPClient) Enabled() bool { return c.apiKey != "" }

// Transcript is one earnings call transcript.
type Transcript struct {
	Ticker  string `json:"symbol"`
	Quarter int    `json:"quarter"`
	Year    int    `json:"year"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

// IncomeStatement is one reporting period's summary figures.
type IncomeStatement struct {
	Date      string  `json:"date"`
	Revenue   float64 `json:"revenue"`
	NetIncome float64 `json:"netIncome"`
	EPS       float64 `json:"eps"`
}

// fmpProfile is FMP's company profile wire shape.
type fmpProfile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Exchange    string  `json:"exchangeShortName"`
	Sector      string  `json:"sector"`
	Industry    string  `json:"industry"`
	MktCap      float64 `json:"mktCap"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	Website     string  `json:"website"`
	Country     string  `json:"country"`
	Currency    string  `json:"currency"`
}

// Transcript fetches the earnings call transcript for a specific quarter, or
// the most recent one when year/quarter are zero.
func (c *FMPClient) Transcript(ctx context.Context, ticker string, year, quarter int) (*Transcript, error) {
	ticker = strings.ToUpper(ticker)
	params := url.Values{"apikey": {c.apiKey}}

	var endpoint string
	if year > 0 && quarter > 0 {
		endpoint = c.baseURL + "/v3/earning_call_transcript/" + ticker
		params.Set("year", strconv.Itoa(year))
		params.Set("quarter", strconv.Itoa(quarter))
	} else {
		endpoint = c.baseURL + "/v4/batch_earning_call_transcript/" + ticker
	}

	var raw []Transcript
	if err := getJSON(ctx, c.httpClient, endpoint, params, nil, &raw); err != nil {
		logging.MarketDataError("FMP transcript for %s failed: %v", ticker, err)
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no transcript available for %s", ticker)
	}
	t := raw[0]
	t.Ticker = ticker
	return &t, nil
}

// Transcripts fetches the most recent earnings call transcripts.
func (c *FMPClient) Transcripts(ctx context.Context, ticker string, limit int) ([]Transcript, error) {
	ticker = strings.ToUpper(ticker)
	if limit <= 0 {
		limit = 4
	}
	params := url.Values{"apikey": {c.apiKey}}
	var raw []Transcript
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/v4/batch_earning_call_transcript/"+ticker, params, nil, &raw); err != nil {
		logging.MarketDataError("FMP transcripts for %s failed: %v", ticker, err)
		return nil, err
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}
	for i := range raw {
		raw[i].Ticker = ticker
	}
	return raw, nil
}

// Profile fetches the FMP company profile.
func (c *FMPClient) Profile(ctx context.Context, ticker string) (*CompanyProfile, error) {
	ticker = strings.ToUpper(ticker)
	params := url.Values{"apikey": {c.apiKey}}
	var raw []fmpProfile
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/v3/profile/"+ticker, params, nil, &raw); err != nil {
		logging.MarketDataError("FMP profile for %s failed: %v", ticker, err)
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no profile available for %s", ticker)
	}
	p := raw[0]
	return &CompanyProfile{
		Ticker:      ticker,
		Name:        p.CompanyName,
		Exchange:    p.Exchange,
		Sector:      p.Sector,
		Industry:    p.Industry,
		MarketCap:   p.MktCap,
		Description: p.Description,
		WebURL:      p.Website,
		Country:     p.Country,
		Currency:    p.Currency,
	}, nil
}

// IncomeStatements fetches recent income statements (annual by default).
func (c *FMPClient) IncomeStatements(ctx context.Context, ticker, period string, limit int) ([]IncomeStatement, error) {
	ticker = strings.ToUpper(ticker)
	if period == "" {
		period = "annual"
	}
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"apikey": {c.apiKey},
		"period": {period},
		"limit":  {strconv.Itoa(limit)},
	}
	var raw []IncomeStatement
	if err := getJSON(ctx, c.httpClient, c.baseURL+"/v3/income-statement/"+ticker, params, nil, &raw); err != nil {
		logging.MarketDataError("FMP income statements for %s failed: %v", ticker, err)
		return nil, err
	}
	return raw, nil
}
