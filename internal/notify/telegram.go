// Package notify sends Telegram notifications for completed research,
// important news, and new SEC filings. Messages use Telegram's HTML parse
// mode. A notifier without a bot token is a no-op.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketatlas/internal/logging"
)

const summaryLimit = 500

// Candidate is the slice of a discovery result shown in the notification.
type Candidate struct {
	Ticker          string  `json:"ticker"`
	CompanyName     string  `json:"company_name"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	botToken   string
	baseURL    string
	httpClient *http.Client
}

// NewTelegram builds a notifier. Empty baseURL uses the live Bot API.
func NewTelegram(botToken, baseURL string, httpClient *http.Client) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{botToken: botToken, baseURL: baseURL, httpClient: httpClient}
}

// Enabled reports whether a bot token is configured.
func (t *Telegram) Enabled() bool { return t.botToken != "" }

// SendMessage delivers one HTML-formatted message to a chat.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	if !t.Enabled() {
		logging.Get(logging.CategoryNotify).Debug("Telegram disabled, dropping message for chat %s", chatID)
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		logging.NotifyError("Telegram send failed: %v", err)
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.NotifyError("Telegram API error %d: %s", resp.StatusCode, string(body))
		return fmt.Errorf("telegram API error %d", resp.StatusCode)
	}
	logging.Notify("Sent Telegram message to chat %s", chatID)
	return nil
}

// ResearchComplete announces a finished research task.
func (t *Telegram) ResearchComplete(ctx context.Context, chatID, taskTitle, taskType, summary string) error {
	msg := fmt.Sprintf(`<b>Research Complete</b>

<b>Task:</b> %s
<b>Type:</b> %s

<b>Summary:</b>
%s

View full results in Market Atlas.`, taskTitle, taskType, truncate(summary, summaryLimit))
	return t.SendMessage(ctx, chatID, msg)
}

// DiscoveryComplete announces a discovery report with its top candidates.
func (t *Telegram) DiscoveryComplete(ctx context.Context, chatID, theme string, candidates []Candidate) error {
	var b strings.Builder
	for i, c := range candidates {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "\n%d. <b>%s</b> - %s", i+1, c.Ticker, c.CompanyName)
		fmt.Fprintf(&b, "\n   Score: %.2f", c.ConfidenceScore)
	}
	msg := fmt.Sprintf(`<b>Discovery Complete</b>

<b>Theme:</b> %s

<b>Top Candidates:</b>
%s

View full research in Market Atlas.`, theme, b.String())
	return t.SendMessage(ctx, chatID, msg)
}

// ImportantNews announces a high-importance headline.
func (t *Telegram) ImportantNews(ctx context.Context, chatID, ticker, headline, summary string) error {
	msg := fmt.Sprintf("<b>Important News: %s</b>\n\n%s\n", ticker, headline)
	if summary != "" {
		msg += "\n" + truncate(summary, 300)
	}
	return t.SendMessage(ctx, chatID, msg)
}

// NewFiling announces an analyzed SEC filing.
func (t *Telegram) NewFiling(ctx context.Context, chatID, ticker, formType, summary string) error {
	msg := fmt.Sprintf(`<b>New SEC Filing: %s</b>

<b>Form:</b> %s

<b>Summary:</b>
%s

View full analysis in Market Atlas.`, ticker, formType, truncate(summary, summaryLimit))
	return t.SendMessage(ctx, chatID, msg)
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
