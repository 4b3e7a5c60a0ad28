package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"marketatlas/internal/logging"
)

// SECClient talks to SEC EDGAR. EDGAR requires a descriptive User-Agent on
// every request and publishes filing indexes as JSON per CIK.
type SECClient struct {
	userAgent  string
	dataURL    string
	archiveURL string
	browseURL  string
	httpClient *http.Client
}

// SECFiling is one entry from a company's EDGAR submission index.
type SECFiling struct {
	Form            string
	AccessionNumber string
	FilingDate      string
	FilingURL       string
	IndexURL        string
}

// NewSECClient builds a client. Empty URLs use live EDGAR endpoints.
func NewSECClient(userAgent, dataURL, archiveURL, browseURL string, httpClient *http.Client) *SECClient {
	if userAgent == "" {
		userAgent = "Market-Atlas research@example.com"
	}
	if dataURL == "" {
		dataURL = "https://data.sec.gov"
	}
	if archiveURL == "" {
		archiveURL = "https://www.sec.gov/Archives/edgar/data"
	}
	if browseURL == "" {
		browseURL = "https://www.sec.gov/cgi-bin/browse-edgar"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &SECClient{
		userAgent:  userAgent,
		dataURL:    dataURL,
		archiveURL: archiveURL,
		browseURL:  browseURL,
		httpClient: httpClient,
	}
}

func (c *SECClient) headers() map[string]string {
	return map[string]string{"User-Agent": c.userAgent}
}

// RecentFilings lists a company's recent filings, newest first, optionally
// filtered to specific form types (10-K, 10-Q, 8-K, ...). Capped at 50.
func (c *SECClient) RecentFilings(ctx context.Context, cik string, formTypes []string) ([]SECFiling, error) {
	if cik == "" {
		return nil, fmt.Errorf("cik is required")
	}
	cik = padCIK(cik)

	var raw struct {
		Filings struct {
			Recent struct {
				Form            []string `json:"form"`
				AccessionNumber []string `json:"accessionNumber"`
				FilingDate      []string `json:"filingDate"`
				PrimaryDocument []string `json:"primaryDocument"`
			} `json:"recent"`
		} `json:"filings"`
	}
	endpoint := fmt.Sprintf("%s/submissions/CIK%s.json", c.dataURL, cik)
	if err := getJSON(ctx, c.httpClient, endpoint, nil, c.headers(), &raw); err != nil {
		logging.FilingsError("EDGAR submissions for CIK %s failed: %v", cik, err)
		return nil, err
	}

	wanted := make(map[string]bool, len(formTypes))
	for _, f := range formTypes {
		wanted[f] = true
	}

	recent := raw.Filings.Recent
	var results []SECFiling
	for i, form := range recent.Form {
		if len(formTypes) > 0 && !wanted[form] {
			continue
		}
		if i >= len(recent.AccessionNumber) || i >= len(recent.FilingDate) {
			break
		}
		accession := strings.ReplaceAll(recent.AccessionNumber[i], "-", "")
		primaryDoc := ""
		if i < len(recent.PrimaryDocument) {
			primaryDoc = recent.PrimaryDocument[i]
		}
		results = append(results, SECFiling{
			Form:            form,
			AccessionNumber: recent.AccessionNumber[i],
			FilingDate:      recent.FilingDate[i],
			FilingURL:       fmt.Sprintf("%s/%s/%s/%s", c.archiveURL, cik, accession, primaryDoc),
			IndexURL:        fmt.Sprintf("%s/%s/%s/", c.archiveURL, cik, accession),
		})
		if len(results) >= 50 {
			break
		}
	}
	logging.Filings("EDGAR listed %d filings for CIK %s", len(results), cik)
	return results, nil
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)
var spaceRe = regexp.MustCompile(`\s+`)
var cikRe = regexp.MustCompile(`CIK=(\d+)`)

// FilingText downloads one filing document and strips HTML markup, leaving
// plain text suitable for model prompts.
func (c *SECClient) FilingText(ctx context.Context, filingURL string) (string, error) {
	body, err := getText(ctx, c.httpClient, filingURL, c.headers())
	if err != nil {
		logging.FilingsError("EDGAR filing fetch failed: %v", err)
		return "", err
	}
	text := htmlTagRe.ReplaceAllString(body, " ")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text), nil
}

// LookupCIK resolves a ticker to its zero-padded CIK via the EDGAR company
// browser.
func (c *SECClient) LookupCIK(ctx context.Context, ticker string) (string, error) {
	u := fmt.Sprintf("%s?action=getcompany&CIK=%s&count=1&output=atom", c.browseURL, strings.ToUpper(ticker))
	body, err := getText(ctx, c.httpClient, u, c.headers())
	if err != nil {
		return "", err
	}
	m := cikRe.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no CIK found for %s", ticker)
	}
	return padCIK(m[1]), nil
}

func padCIK(cik string) string {
	for len(cik) < 10 {
		cik = "0" + cik
	}
	return cik
}
