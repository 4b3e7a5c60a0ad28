package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// EarningsExecutor fetches an earnings call transcript and runs the model's
// earnings analysis over it.
type EarningsExecutor struct {
	deps *Deps
}

type earningsParams struct {
	Ticker  string `json:"ticker"`
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
}

func (e *EarningsExecutor) Type() string { return store.TaskEarningsAnalysis }

func (e *EarningsExecutor) Execute(ctx context.Context, task *store.ResearchTask, report tasks.ProgressFunc) (json.RawMessage, error) {
	var params earningsParams
	if err := parseParams(task, &params); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(params.Ticker))
	if ticker == "" {
		return nil, errors.New("earnings analysis requires a ticker")
	}
	if e.deps.FMP == nil || !e.deps.FMP.Enabled() {
		return nil, errors.New("earnings analysis requires an FMP API key")
	}
	report(10)

	transcript, err := e.deps.FMP.Transcript(ctx, ticker, params.Year, params.Quarter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transcript for %s: %w", ticker, err)
	}
	if transcript.Content == "" {
		return nil, fmt.Errorf("no transcript content available for %s", ticker)
	}
	report(40)
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	quarter := "Recent"
	if transcript.Quarter > 0 && transcript.Year > 0 {
		quarter = fmt.Sprintf("Q%d %d", transcript.Quarter, transcript.Year)
	}
	analysis, err := e.deps.analyzer(task.ID).AnalyzeEarningsCall(ctx, ticker, quarter, transcript.Content)
	if err != nil {
		return nil, err
	}
	report(80)

	return versionedResult("earnings_analysis", map[string]interface{}{
		"ticker":          ticker,
		"quarter":         quarter,
		"transcript_date": transcript.Date,
		"analysis":        analysis,
	})
}
