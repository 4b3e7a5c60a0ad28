package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"marketatlas/internal/logging"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// ComparativeExecutor compares two or more companies head to head.
type ComparativeExecutor struct {
	deps *Deps
}

type comparativeParams struct {
	Tickers []string `json:"tickers"`
	Context string   `json:"context"`
}

func (e *ComparativeExecutor) Type() string { return store.TaskComparative }

func (e *ComparativeExecutor) Execute(ctx context.Context, task *store.ResearchTask, report tasks.ProgressFunc) (json.RawMessage, error) {
	var params comparativeParams
	if err := parseParams(task, &params); err != nil {
		return nil, err
	}
	tickers := normalizeTickers(params.Tickers)
	if len(tickers) < 2 {
		return nil, errors.New("comparative analysis requires at least two tickers")
	}
	report(10)

	// Gather a context block per company so the model compares real data,
	// not just names. Missing profiles degrade to the bare ticker.
	var blocks []string
	step := 50 / len(tickers)
	for i, ticker := range tickers {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		profile := e.fetchProfile(ctx, ticker)
		blocks = append(blocks, buildProfileContext(ticker, profile, nil))
		report(10 + (i+1)*step)
	}
	report(60)

	analysis, err := e.deps.analyzer(task.ID).Compare(ctx, tickers, strings.Join(blocks, "\n\n"))
	if err != nil {
		return nil, err
	}
	report(80)

	return versionedResult("comparative", map[string]interface{}{
		"tickers":  tickers,
		"analysis": analysis,
	})
}

func (e *ComparativeExecutor) fetchProfile(ctx context.Context, ticker string) *marketdata.CompanyProfile {
	cacheKey := "profile:" + ticker
	var cached marketdata.CompanyProfile
	if e.deps.Cache.GetJSON(cacheKey, &cached) {
		return &cached
	}
	if e.deps.FMP != nil && e.deps.FMP.Enabled() {
		if p, err := e.deps.FMP.Profile(ctx, ticker); err == nil {
			_ = e.deps.Cache.SetJSON(cacheKey, p)
			return p
		}
	}
	if e.deps.Finnhub != nil && e.deps.Finnhub.Enabled() {
		if p, err := e.deps.Finnhub.Profile(ctx, ticker); err == nil {
			_ = e.deps.Cache.SetJSON(cacheKey, p)
			return p
		}
	}
	logging.MarketData("comparative: no profile for %s", ticker)
	return nil
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
