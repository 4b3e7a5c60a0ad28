// Package research implements the executors behind each research task type:
// discovery, deep dive, earnings analysis, filing analysis, and comparative.
// Executors gather provider data, call the model through the gated client so
// concurrent model calls stay bounded, and report progress at fixed
// checkpoints. They honor context cancellation between stages.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marketatlas/internal/ai"
	"marketatlas/internal/cache"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// Deps carries everything the executors share.
type Deps struct {
	Store     *store.Store
	Cache     *cache.Cache
	Slots     *tasks.AISlots
	Client    ai.Client
	FastModel string
	DeepModel string

	Finnhub *marketdata.FinnhubClient
	FMP     *marketdata.FMPClient
	Polygon *marketdata.PolygonClient
	SEC     *marketdata.SECClient
}

// RegisterAll installs every executor on the runner.
func RegisterAll(r *tasks.Runner, deps *Deps) {
	r.RegisterExecutor(&DiscoveryExecutor{deps})
	r.RegisterExecutor(&DeepDiveExecutor{deps})
	r.RegisterExecutor(&EarningsExecutor{deps})
	r.RegisterExecutor(&FilingExecutor{deps})
	r.RegisterExecutor(&ComparativeExecutor{deps})
}

// analyzer builds a per-task analyzer whose model calls go through the slot
// pool.
func (d *Deps) analyzer(taskID string) *ai.Analyzer {
	gated := tasks.NewGatedClient(taskID, d.Slots, d.Client)
	return ai.NewAnalyzer(gated, d.FastModel, d.DeepModel)
}

// checkCancelled is called between stages so a cancelled task stops at the
// next stage boundary rather than mid-flight.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func parseParams(task *store.ResearchTask, out interface{}) error {
	if err := json.Unmarshal([]byte(task.ParametersJSON), out); err != nil {
		return fmt.Errorf("invalid task parameters: %w", err)
	}
	return nil
}

// versionedResult wraps a result body with the current schema marker.
func versionedResult(reportType string, body map[string]interface{}) (json.RawMessage, error) {
	body["schema_version"] = store.ResultSchemaVersion
	body["report_type"] = reportType
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}

// buildProfileContext renders provider data into the prompt context block.
func buildProfileContext(ticker string, profile *marketdata.CompanyProfile, financials []marketdata.IncomeStatement) string {
	parts := []string{"Ticker: " + ticker}
	if profile != nil {
		parts = append(parts,
			"Company: "+orUnknown(profile.Name),
			"Sector: "+orUnknown(profile.Sector),
			"Industry: "+orUnknown(profile.Industry),
		)
		if profile.Description != "" {
			parts = append(parts, "Description: "+profile.Description)
		}
		if profile.MarketCap > 0 {
			parts = append(parts, fmt.Sprintf("Market Cap: $%.0f", profile.MarketCap))
		}
	}
	if len(financials) > 0 {
		parts = append(parts, "", "Recent Financial Data:")
		for i, fin := range financials {
			if i >= 3 {
				break
			}
			parts = append(parts, fmt.Sprintf("- %s: Revenue $%.0f, Net Income $%.0f",
				fin.Date, fin.Revenue, fin.NetIncome))
		}
	}
	return strings.Join(parts, "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
