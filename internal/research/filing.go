package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"marketatlas/internal/logging"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// FilingExecutor downloads a stored SEC filing's document, runs the model's
// filing analysis, and writes the analysis back onto the filing row.
type FilingExecutor struct {
	deps *Deps
}

type filingParams struct {
	FilingID        string `json:"filing_id"`
	AccessionNumber string `json:"accession_number"`
}

func (e *FilingExecutor) Type() string { return store.TaskFilingAnalysis }

func (e *FilingExecutor) Execute(ctx context.Context, task *store.ResearchTask, report tasks.ProgressFunc) (json.RawMessage, error) {
	var params filingParams
	if err := parseParams(task, &params); err != nil {
		return nil, err
	}
	report(10)

	filing, err := e.lookupFiling(params)
	if err != nil {
		return nil, err
	}
	if e.deps.SEC == nil {
		return nil, errors.New("filing analysis requires the SEC client")
	}

	text, err := e.deps.SEC.FilingText(ctx, filing.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch filing %s: %w", filing.AccessionNumber, err)
	}
	if text == "" {
		return nil, fmt.Errorf("filing %s has no readable content", filing.AccessionNumber)
	}
	report(40)
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	analysis, err := e.deps.analyzer(task.ID).AnalyzeFiling(ctx, filing.FormType, filing.Ticker, text)
	if err != nil {
		return nil, err
	}
	report(80)

	if err := e.deps.Store.SetFilingAnalysis(filing.ID, string(analysis)); err != nil {
		logging.Filings("failed to persist analysis for filing %s: %v", filing.ID, err)
	}

	return versionedResult("filing_analysis", map[string]interface{}{
		"ticker":           filing.Ticker,
		"form_type":        filing.FormType,
		"accession_number": filing.AccessionNumber,
		"filing_url":       filing.URL,
		"analysis":         analysis,
	})
}

func (e *FilingExecutor) lookupFiling(params filingParams) (*store.Filing, error) {
	switch {
	case params.FilingID != "":
		return e.deps.Store.GetFiling(params.FilingID)
	case params.AccessionNumber != "":
		return e.deps.Store.GetFilingByAccession(params.AccessionNumber)
	default:
		return nil, errors.New("filing analysis requires a filing_id or accession_number")
	}
}
