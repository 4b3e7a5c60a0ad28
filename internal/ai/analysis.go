package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marketatlas/internal/logging"
)

// Transcripts and filing bodies are truncated before prompting.
const maxDocumentChars = 150000

// Analyzer builds the research prompts and routes them to the fast or deep
// model. News triage runs on the fast model; report generation on the deep
// one.
type Analyzer struct {
	client    Client
	fastModel string
	deepModel string
}

// NewAnalyzer wires an analyzer over a completion client.
func NewAnalyzer(client Client, fastModel, deepModel string) *Analyzer {
	return &Analyzer{client: client, fastModel: fastModel, deepModel: deepModel}
}

// NewsAnalysis is the triage verdict for one headline.
type NewsAnalysis struct {
	Sentiment  string   `json:"sentiment"`
	Importance string   `json:"importance"`
	KeyPoints  []string `json:"key_points"`
	Summary    string   `json:"ai_summary"`
}

// AnalyzeNews classifies a headline's sentiment and importance. On model
// failure it degrades to a neutral/medium verdict rather than erroring, so
// the news pipeline keeps flowing.
func (a *Analyzer) AnalyzeNews(ctx context.Context, headline, summary string) NewsAnalysis {
	content := "Headline: " + headline
	if summary != "" {
		content += "\n\nSummary: " + summary
	}
	prompt := fmt.Sprintf(`Analyze this financial news article for an investor. Be concise.

%s

Respond in JSON format:
{
    "sentiment": "bullish" | "bearish" | "neutral",
    "importance": "high" | "medium" | "low",
    "key_points": ["point1", "point2"],
    "ai_summary": "One sentence summary for investor"
}

Only output valid JSON, no other text.`, content)

	fallback := NewsAnalysis{Sentiment: "neutral", Importance: "medium"}
	resp, err := a.client.Complete(ctx, Request{Model: a.fastModel, Prompt: prompt, MaxTokens: 500})
	if err != nil {
		logging.AIError("News analysis failed: %v", err)
		return fallback
	}
	raw, err := ExtractJSON(resp)
	if err != nil {
		logging.AIError("News analysis returned no JSON: %v", err)
		return fallback
	}
	var out NewsAnalysis
	if err := json.Unmarshal(raw, &out); err != nil {
		return fallback
	}
	if out.Sentiment == "" {
		out.Sentiment = "neutral"
	}
	if out.Importance == "" {
		out.Importance = "medium"
	}
	return out
}

// AnalyzeFiling produces the filing analysis report.
func (a *Analyzer) AnalyzeFiling(ctx context.Context, formType, ticker, text string) (json.RawMessage, error) {
	text = truncateDocument(text)
	prompt := fmt.Sprintf(`You are a senior financial analyst. Analyze this %s filing for %s.

%s

Provide a comprehensive analysis in JSON format:
{
    "summary": "Executive summary (2-3 paragraphs)",
    "key_financials": {
        "revenue": "...",
        "net_income": "...",
        "eps": "...",
        "guidance": "..."
    },
    "risk_factors_changes": ["Notable changes in risk factors"],
    "mda_highlights": ["Key points from Management Discussion & Analysis"],
    "notable_changes": ["Significant changes from previous period"],
    "investment_implications": ["Key takeaways for investors"],
    "sentiment": "bullish" | "bearish" | "neutral"
}

Only output valid JSON.`, formType, ticker, text)

	return a.completeJSON(ctx, Request{Model: a.deepModel, Prompt: prompt, MaxTokens: 4000})
}

// AnalyzeEarningsCall produces the earnings call analysis report.
func (a *Analyzer) AnalyzeEarningsCall(ctx context.Context, ticker, quarter, transcript string) (json.RawMessage, error) {
	transcript = truncateDocument(transcript)
	prompt := fmt.Sprintf(`Analyze this %s earnings call transcript for %s.

%s

Provide analysis in JSON format:
{
    "summary": "Executive summary of the call",
    "management_tone": "optimistic" | "cautious" | "defensive" | "confident",
    "key_metrics": {
        "revenue": "...",
        "guidance": "...",
        "margins": "..."
    },
    "guidance_changes": ["Changes in forward guidance"],
    "analyst_concerns": ["Key concerns raised by analysts"],
    "management_responses": ["Notable management responses"],
    "key_quotes": ["Important direct quotes"],
    "investment_implications": ["Takeaways for investors"],
    "sentiment": "bullish" | "bearish" | "neutral"
}

Only output valid JSON.`, quarter, ticker, transcript)

	return a.completeJSON(ctx, Request{Model: a.deepModel, Prompt: prompt, MaxTokens: 4000})
}

// RunDeepDive generates the full deep dive report for a ticker. Profile and
// financial context, when available, is included so the model grounds its
// answer in real data.
func (a *Analyzer) RunDeepDive(ctx context.Context, ticker, context_ string) (json.RawMessage, error) {
	prompt := fmt.Sprintf(`You are a senior equity research analyst. Generate a comprehensive deep dive investment report for %s.

## Available Data
%s

## Task
Create a detailed investment analysis report. Use your knowledge about this company to provide insights even if the data above is limited.

## Required Output Format (JSON)

{
    "report_metadata": {
        "ticker": "%s",
        "report_type": "deep_dive",
        "analyst_confidence": "high|medium|low"
    },
    "company_overview": {
        "name": "Full company name",
        "description": "2-3 sentence company description",
        "sector": "Sector",
        "industry": "Industry"
    },
    "executive_summary": {
        "investment_rating": "Strong Buy|Buy|Hold|Sell|Strong Sell",
        "price_target": "$XX.XX",
        "upside_potential": "XX%%",
        "key_thesis": "2-3 sentence investment thesis",
        "risk_reward": "Favorable|Balanced|Unfavorable"
    },
    "business_analysis": {
        "business_model": "How the company makes money",
        "revenue_streams": [{"stream": "...", "percentage": "XX%%", "growth_trend": "growing|stable|declining"}],
        "competitive_advantages": ["..."],
        "market_position": "...",
        "key_products_services": ["..."]
    },
    "financial_analysis": {
        "revenue_trend": "...",
        "profitability": "...",
        "balance_sheet_health": "Strong|Moderate|Weak",
        "cash_flow_quality": "...",
        "key_metrics": {"revenue_growth": "XX%%", "gross_margin": "XX%%", "pe_ratio": "XX.X"},
        "financial_outlook": "..."
    },
    "growth_drivers": [{"driver": "...", "impact": "high|medium|low", "timeline": "near-term|medium-term|long-term", "description": "..."}],
    "risk_factors": [{"risk": "...", "severity": "high|medium|low", "probability": "high|medium|low", "mitigation": "..."}],
    "competitive_landscape": {
        "main_competitors": [{"name": "...", "ticker": "TICK", "comparison": "..."}]
    }
}

Only output valid JSON.`, ticker, context_, ticker)

	return a.completeJSON(ctx, Request{Model: a.deepModel, Prompt: prompt, MaxTokens: 8000})
}

// RunDiscovery generates a thematic candidate report. Free-text criteria
// steer report depth, time horizon, and risk tolerance.
func (a *Analyzer) RunDiscovery(ctx context.Context, theme, criteria string) (json.RawMessage, error) {
	depth, horizon, risk := parseDiscoveryCriteria(criteria)

	prompt := fmt.Sprintf(`You are a senior equity research analyst at a top-tier investment bank. Your task is to create a comprehensive investment research report that a fund manager can directly reference for decision-making.

## Research Theme
%s

## Additional Criteria
%s

## Report Preferences
- Depth: %s
- Time horizon: %s
- Risk tolerance: %s

## Required Output Format (JSON)

{
    "report_metadata": {
        "theme": "%s",
        "report_type": "discovery",
        "analyst_confidence": "high|medium|low"
    },
    "executive_summary": "2-3 paragraph overview of the theme and the opportunity",
    "market_context": "Current market backdrop relevant to the theme",
    "candidates": [
        {
            "ticker": "TICK",
            "company_name": "Full name",
            "confidence_score": 0.0,
            "thesis": "2-3 sentence investment thesis",
            "key_points": ["..."],
            "risks": ["..."],
            "market_cap_band": "mega|large|mid|small|micro"
        }
    ],
    "watchouts": ["Theme-level risks to monitor"]
}

Rank candidates by confidence_score descending. Only output valid JSON.`,
		theme, orDefault(criteria, "none"), depth, horizon, risk, theme)

	return a.completeJSON(ctx, Request{Model: a.deepModel, Prompt: prompt, MaxTokens: 8000})
}

// Compare produces a side-by-side comparison for two or more tickers.
func (a *Analyzer) Compare(ctx context.Context, tickers []string, context_ string) (json.RawMessage, error) {
	prompt := fmt.Sprintf(`You are a senior equity research analyst. Compare the following stocks as investment candidates: %s.

## Available Data
%s

Provide analysis in JSON format:
{
    "comparison_summary": "Executive summary of the comparison",
    "profiles": [
        {
            "ticker": "TICK",
            "strengths": ["..."],
            "weaknesses": ["..."],
            "valuation": "...",
            "growth_outlook": "..."
        }
    ],
    "head_to_head": {
        "valuation_winner": "TICK",
        "growth_winner": "TICK",
        "quality_winner": "TICK"
    },
    "recommendation": "Which to prefer and why",
    "sentiment": "bullish" | "bearish" | "neutral"
}

Only output valid JSON.`, strings.Join(tickers, ", "), context_)

	return a.completeJSON(ctx, Request{Model: a.deepModel, Prompt: prompt, MaxTokens: 6000})
}

func (a *Analyzer) completeJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := ExtractJSON(resp)
	if err != nil {
		return nil, fmt.Errorf("model response: %w", err)
	}
	return raw, nil
}

func parseDiscoveryCriteria(criteria string) (depth, horizon, risk string) {
	depth, horizon, risk = "standard", "medium", "moderate"
	c := strings.ToLower(criteria)
	switch {
	case strings.Contains(c, "comprehensive"):
		depth = "comprehensive"
	case strings.Contains(c, "quick"):
		depth = "quick"
	}
	switch {
	case strings.Contains(c, "short"):
		horizon = "short"
	case strings.Contains(c, "long"):
		horizon = "long"
	}
	switch {
	case strings.Contains(c, "conservative"):
		risk = "conservative"
	case strings.Contains(c, "aggressive"):
		risk = "aggressive"
	}
	return depth, horizon, risk
}

func truncateDocument(text string) string {
	if len(text) > maxDocumentChars {
		return text[:maxDocumentChars] + "\n\n[Content truncated due to length...]"
	}
	return text
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
