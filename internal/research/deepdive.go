package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketatlas/internal/logging"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// DeepDiveExecutor runs the full single-company research pipeline: company
// profile, recent financials, latest earnings transcript, then the model's
// comprehensive report. Provider failures for individual stages degrade the
// result instead of failing the task; only the model call is load-bearing.
type DeepDiveExecutor struct {
	deps *Deps
}

type deepDiveParams struct {
	Ticker string `json:"ticker"`
}

func (e *DeepDiveExecutor) Type() string { return store.TaskDeepDive }

func (e *DeepDiveExecutor) Execute(ctx context.Context, task *store.ResearchTask, report tasks.ProgressFunc) (json.RawMessage, error) {
	var params deepDiveParams
	if err := parseParams(task, &params); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(params.Ticker))
	if ticker == "" {
		return nil, errors.New("deep dive requires a ticker")
	}
	report(10)

	analyzer := e.deps.analyzer(task.ID)
	result := map[string]interface{}{"ticker": ticker}

	report(20)
	profile := e.fetchProfile(ctx, ticker)
	if profile != nil {
		result["profile"] = profile
		e.saveStock(ticker, profile)
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	report(40)
	var transcript *marketdata.Transcript
	if e.deps.FMP != nil && e.deps.FMP.Enabled() {
		t, err := e.deps.FMP.Transcript(ctx, ticker, 0, 0)
		if err != nil {
			logging.MarketData("deep dive %s: no transcript for %s: %v", task.ID, ticker, err)
		} else {
			transcript = t
		}
	}
	result["earnings_transcript_available"] = transcript != nil
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	report(60)
	var financials []marketdata.IncomeStatement
	if e.deps.FMP != nil && e.deps.FMP.Enabled() {
		fins, err := e.deps.FMP.IncomeStatements(ctx, ticker, "annual", 3)
		if err != nil {
			logging.MarketData("deep dive %s: no financials for %s: %v", task.ID, ticker, err)
		} else {
			financials = fins
			result["recent_financials"] = fins
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	report(80)
	if transcript != nil && transcript.Content != "" {
		quarter := "Recent"
		if transcript.Quarter > 0 && transcript.Year > 0 {
			quarter = fmt.Sprintf("Q%d %d", transcript.Quarter, transcript.Year)
		}
		earnings, err := analyzer.AnalyzeEarningsCall(ctx, ticker, quarter, transcript.Content)
		if err != nil {
			logging.AIError("deep dive %s: earnings analysis failed for %s: %v", task.ID, ticker, err)
		} else {
			result["earnings_analysis"] = earnings
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	reportBody, err := analyzer.RunDeepDive(ctx, ticker, buildProfileContext(ticker, profile, financials))
	if err != nil {
		return nil, fmt.Errorf("deep dive analysis failed: %w", err)
	}
	result["report"] = reportBody

	return versionedResult("comprehensive", result)
}

// fetchProfile prefers FMP's richer profile and falls back to Finnhub.
// Profiles change rarely, so hits come out of the TTL cache.
func (e *DeepDiveExecutor) fetchProfile(ctx context.Context, ticker string) *marketdata.CompanyProfile {
	cacheKey := "profile:" + ticker
	var cached marketdata.CompanyProfile
	if e.deps.Cache.GetJSON(cacheKey, &cached) {
		return &cached
	}
	if e.deps.FMP != nil && e.deps.FMP.Enabled() {
		p, err := e.deps.FMP.Profile(ctx, ticker)
		if err == nil {
			_ = e.deps.Cache.SetJSON(cacheKey, p)
			return p
		}
		logging.MarketData("deep dive: FMP profile failed for %s: %v", ticker, err)
	}
	if e.deps.Finnhub != nil && e.deps.Finnhub.Enabled() {
		p, err := e.deps.Finnhub.Profile(ctx, ticker)
		if err == nil {
			_ = e.deps.Cache.SetJSON(cacheKey, p)
			return p
		}
		logging.MarketData("deep dive: Finnhub profile failed for %s: %v", ticker, err)
	}
	return nil
}

func (e *DeepDiveExecutor) saveStock(ticker string, p *marketdata.CompanyProfile) {
	profileJSON, err := json.Marshal(p)
	if err != nil {
		return
	}
	err = e.deps.Store.UpsertStock(&store.Stock{
		Ticker:      ticker,
		CompanyName: p.Name,
		Exchange:    p.Exchange,
		Sector:      p.Sector,
		Industry:    p.Industry,
		MarketCap:   p.MarketCap,
		ProfileJSON: string(profileJSON),
	})
	if err != nil {
		logging.TasksDebug("deep dive: failed to save stock %s: %v", ticker, err)
	}
}
