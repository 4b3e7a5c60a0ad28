package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketatlas/internal/logging"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// DiscoveryExecutor asks the model for investment candidates matching a
// theme, then enriches each candidate that resolves to a real symbol.
type DiscoveryExecutor struct {
	deps *Deps
}

type discoveryParams struct {
	Theme        string   `json:"theme"`
	Criteria     string   `json:"criteria"`
	MarketCapMin *int64   `json:"market_cap_min"`
	MarketCapMax *int64   `json:"market_cap_max"`
	Sectors      []string `json:"sectors"`
}

// criteriaText folds the free-text criteria, market-cap band, and sector
// filter into the criteria block of the model prompt.
func (p *discoveryParams) criteriaText() string {
	var parts []string
	if c := strings.TrimSpace(p.Criteria); c != "" {
		parts = append(parts, c)
	}
	switch {
	case p.MarketCapMin != nil && p.MarketCapMax != nil:
		parts = append(parts, fmt.Sprintf("Market cap between %s and %s",
			formatDollars(*p.MarketCapMin), formatDollars(*p.MarketCapMax)))
	case p.MarketCapMin != nil:
		parts = append(parts, "Market cap above "+formatDollars(*p.MarketCapMin))
	case p.MarketCapMax != nil:
		parts = append(parts, "Market cap below "+formatDollars(*p.MarketCapMax))
	}
	if len(p.Sectors) > 0 {
		parts = append(parts, "Limit candidates to these sectors: "+strings.Join(p.Sectors, ", "))
	}
	return strings.Join(parts, ". ")
}

func formatDollars(v int64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("$%.1fT", float64(v)/1e12)
	case v >= 1e9:
		return fmt.Sprintf("$%.1fB", float64(v)/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", float64(v)/1e6)
	default:
		return fmt.Sprintf("$%d", v)
	}
}

func (e *DiscoveryExecutor) Type() string { return store.TaskDiscovery }

func (e *DiscoveryExecutor) Execute(ctx context.Context, task *store.ResearchTask, report tasks.ProgressFunc) (json.RawMessage, error) {
	var params discoveryParams
	if err := parseParams(task, &params); err != nil {
		return nil, err
	}
	theme := strings.TrimSpace(params.Theme)
	if theme == "" {
		return nil, errors.New("discovery requires a theme")
	}
	report(10)

	analyzer := e.deps.analyzer(task.ID)
	report(30)

	raw, err := analyzer.RunDiscovery(ctx, theme, params.criteriaText())
	if err != nil {
		return nil, err
	}
	report(80)

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.New("discovery returned malformed candidates")
	}
	e.verifyCandidates(ctx, body)
	body["theme"] = theme

	return versionedResult("discovery", body)
}

// verifyCandidates marks each candidate whose ticker resolves through symbol
// search. Lookup failures leave the candidate unverified rather than
// dropping it.
func (e *DiscoveryExecutor) verifyCandidates(ctx context.Context, body map[string]interface{}) {
	if e.deps.Finnhub == nil || !e.deps.Finnhub.Enabled() {
		return
	}
	candidates, ok := body["candidates"].([]interface{})
	if !ok {
		return
	}
	for _, c := range candidates {
		cand, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		ticker, _ := cand["ticker"].(string)
		if ticker == "" {
			continue
		}
		matches, err := e.deps.Finnhub.Search(ctx, ticker, 1)
		if err != nil {
			logging.MarketData("discovery: symbol lookup failed for %s: %v", ticker, err)
			continue
		}
		cand["verified"] = len(matches) > 0 &&
			strings.EqualFold(matches[0].Ticker, ticker)
	}
}
