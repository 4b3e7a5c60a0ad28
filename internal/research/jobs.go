package research

import (
	"context"
	"encoding/json"
	"time"

	"marketatlas/internal/bus"
	"marketatlas/internal/logging"
	"marketatlas/internal/metrics"
	"marketatlas/internal/notify"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// Periodic jobs run independently of the task queue: news ingestion and
// triage, SEC filing discovery and analysis, transcript checks, and quote
// refresh. Wire them onto a tasks.Scheduler.
//
// Model calls made by jobs share the same slot pool as task executors, each
// job registers a synthetic slot ID for its lifetime.

const (
	slotIDNews    = "job:news"
	slotIDFilings = "job:filings"

	newsLookback   = 24 * time.Hour
	newsTriageSize = 20
	newsRetention  = 30 * 24 * time.Hour
)

var watchedForms = []string{"10-K", "10-Q", "8-K"}

// Jobs bundles the shared state the periodic jobs need.
type Jobs struct {
	deps     *Deps
	bus      *bus.Bus
	metrics  *metrics.Metrics
	telegram *notify.Telegram
}

func NewJobs(deps *Deps, b *bus.Bus, m *metrics.Metrics, tg *notify.Telegram) *Jobs {
	return &Jobs{deps: deps, bus: b, metrics: m, telegram: tg}
}

// PollNews fetches recent company news for every watched ticker, dedups it
// into the store, publishes new items on the news topic, then triages a
// batch of unanalyzed items with the fast model.
func (j *Jobs) PollNews(ctx context.Context) error {
	if j.deps.Finnhub == nil || !j.deps.Finnhub.Enabled() {
		return nil
	}
	tickers, err := j.deps.Store.WatchedTickers()
	if err != nil {
		return err
	}

	inserted := 0
	for _, ticker := range tickers {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		n, err := j.FetchTickerNews(ctx, ticker)
		if err != nil {
			logging.MarketDataError("news poll: %s: %v", ticker, err)
			continue
		}
		inserted += n
	}
	if inserted > 0 {
		logging.News("news poll: %d new items across %d tickers", inserted, len(tickers))
	}

	return j.triageNews(ctx)
}

// FetchTickerNews pulls recent news for one ticker into the store and
// publishes new items on the news topic. Also called when a ticker is first
// added to a watchlist. Returns the number of new items.
func (j *Jobs) FetchTickerNews(ctx context.Context, ticker string) (int, error) {
	if j.deps.Finnhub == nil || !j.deps.Finnhub.Enabled() {
		return 0, nil
	}
	now := time.Now().UTC()
	articles, err := j.deps.Finnhub.CompanyNews(ctx, ticker, now.Add(-newsLookback), now)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, a := range articles {
		item := &store.NewsItem{
			ContentHash: store.NewsHash(a.Headline, a.URL),
			Ticker:      ticker,
			Headline:    a.Headline,
			Summary:     a.Summary,
			Source:      a.Source,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		}
		isNew, err := j.deps.Store.InsertNews(item)
		if err != nil {
			logging.News("failed to store news for %s: %v", ticker, err)
			continue
		}
		if !isNew {
			continue
		}
		inserted++
		if j.metrics != nil {
			j.metrics.NewsIngested.Inc()
		}
		j.bus.Publish(bus.TopicNews, item)
	}
	return inserted, nil
}

// triageNews classifies unanalyzed items and notifies watchers about
// high-importance ones.
func (j *Jobs) triageNews(ctx context.Context) error {
	items, err := j.deps.Store.UnanalyzedNews(newsTriageSize)
	if err != nil || len(items) == 0 {
		return err
	}

	j.deps.Slots.Register(slotIDNews)
	defer j.deps.Slots.Unregister(slotIDNews)
	analyzer := j.deps.analyzer(slotIDNews)

	for _, item := range items {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		verdict := analyzer.AnalyzeNews(ctx, item.Headline, item.Summary)
		relevance := importanceScore(verdict.Importance)
		if err := j.deps.Store.SetNewsAnalysis(item.ID, verdict.Sentiment, relevance); err != nil {
			logging.News("failed to save analysis for news %s: %v", item.ID, err)
			continue
		}
		if verdict.Importance == "high" {
			summary := verdict.Summary
			if summary == "" {
				summary = item.Summary
			}
			j.notifyWatchers(ctx, item.Ticker, func(chatID string) error {
				return j.telegram.ImportantNews(ctx, chatID, item.Ticker, item.Headline, summary)
			})
		}
	}
	return nil
}

// CheckFilings discovers new SEC filings for watched tickers, stores them,
// analyzes each new one, and notifies watchers.
func (j *Jobs) CheckFilings(ctx context.Context) error {
	if j.deps.SEC == nil {
		return nil
	}
	tickers, err := j.deps.Store.WatchedTickers()
	if err != nil {
		return err
	}

	j.deps.Slots.Register(slotIDFilings)
	defer j.deps.Slots.Unregister(slotIDFilings)
	analyzer := j.deps.analyzer(slotIDFilings)

	for _, ticker := range tickers {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		cik, err := j.lookupCIK(ctx, ticker)
		if err != nil {
			logging.MarketDataError("filings check: CIK lookup failed for %s: %v", ticker, err)
			continue
		}
		filings, err := j.deps.SEC.RecentFilings(ctx, cik, watchedForms)
		if err != nil {
			logging.MarketDataError("filings check: %s: %v", ticker, err)
			continue
		}
		for _, f := range filings {
			filedAt, _ := time.Parse("2006-01-02", f.FilingDate)
			row := &store.Filing{
				AccessionNumber: f.AccessionNumber,
				Ticker:          ticker,
				FormType:        f.Form,
				FiledAt:         filedAt,
				Title:           f.Form + " filing for " + ticker,
				URL:             f.FilingURL,
			}
			isNew, err := j.deps.Store.InsertFiling(row)
			if err != nil {
				logging.Filings("failed to store filing %s: %v", f.AccessionNumber, err)
				continue
			}
			if !isNew {
				continue
			}
			if j.metrics != nil {
				j.metrics.FilingsIngested.Inc()
			}
			logging.Filings("new %s filing for %s: %s", f.Form, ticker, f.AccessionNumber)
			j.notifyWatchers(ctx, ticker, func(chatID string) error {
				return j.telegram.NewFiling(ctx, chatID, ticker, f.Form, "Filed "+f.FilingDate)
			})
			j.analyzeFiling(ctx, analyzer, row)
		}
	}
	return nil
}

func (j *Jobs) analyzeFiling(ctx context.Context, analyzer filingAnalyzer, f *store.Filing) {
	text, err := j.deps.SEC.FilingText(ctx, f.URL)
	if err != nil || text == "" {
		logging.Filings("could not fetch text for filing %s: %v", f.AccessionNumber, err)
		return
	}
	analysis, err := analyzer.AnalyzeFiling(ctx, f.FormType, f.Ticker, text)
	if err != nil {
		logging.AIError("filing analysis failed for %s: %v", f.AccessionNumber, err)
		return
	}
	if err := j.deps.Store.SetFilingAnalysis(f.ID, string(analysis)); err != nil {
		logging.Filings("failed to save analysis for filing %s: %v", f.ID, err)
	}
}

// CheckTranscripts looks for newly published earnings call transcripts and
// notifies watchers. Seen transcripts are tracked in the cache, so after a
// restart the latest transcript may be announced once more.
func (j *Jobs) CheckTranscripts(ctx context.Context) error {
	if j.deps.FMP == nil || !j.deps.FMP.Enabled() {
		return nil
	}
	tickers, err := j.deps.Store.WatchedTickers()
	if err != nil {
		return err
	}
	for _, ticker := range tickers {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		transcripts, err := j.deps.FMP.Transcripts(ctx, ticker, 1)
		if err != nil || len(transcripts) == 0 {
			continue
		}
		t := transcripts[0]
		key := "transcript:" + ticker + ":" + t.Date
		if _, seen := j.deps.Cache.Get(key); seen {
			continue
		}
		j.deps.Cache.SetTTL(key, true, 14*24*time.Hour)
		logging.Notify("new earnings transcript for %s (%s)", ticker, t.Date)
		j.notifyWatchers(ctx, ticker, func(chatID string) error {
			return j.telegram.SendMessage(ctx, chatID,
				"🎙 New earnings call transcript available for <b>"+ticker+"</b> ("+t.Date+")")
		})
	}
	return nil
}

// RefreshQuotes updates the stored last price for every watched ticker.
func (j *Jobs) RefreshQuotes(ctx context.Context) error {
	if j.deps.Finnhub == nil || !j.deps.Finnhub.Enabled() {
		return nil
	}
	tickers, err := j.deps.Store.WatchedTickers()
	if err != nil {
		return err
	}
	for _, ticker := range tickers {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		q, err := j.deps.Finnhub.Quote(ctx, ticker)
		if err != nil {
			logging.MarketDataError("quote refresh: %s: %v", ticker, err)
			continue
		}
		if q.Current == 0 {
			continue
		}
		if err := j.deps.Store.UpdateStockPrice(ticker, q.Current); err != nil {
			logging.MarketData("quote refresh: failed to save %s: %v", ticker, err)
		}
	}
	return nil
}

// PruneOldNews drops news older than the retention window.
func (j *Jobs) PruneOldNews(ctx context.Context) error {
	n, err := j.deps.Store.PruneNews(time.Now().UTC().Add(-newsRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		logging.News("pruned %d old news items", n)
	}
	return nil
}

// PurgeExpiredTokens clears dead refresh tokens.
func (j *Jobs) PurgeExpiredTokens(ctx context.Context) error {
	_, err := j.deps.Store.PurgeExpiredTokens()
	return err
}

// Register installs all jobs on the scheduler with the given intervals.
func (j *Jobs) Register(s *tasks.Scheduler, newsEvery, filingsEvery, transcriptsEvery, quotesEvery time.Duration) {
	s.Add("news_poll", newsEvery, j.PollNews)
	s.Add("filings_check", filingsEvery, j.CheckFilings)
	s.Add("transcripts_check", transcriptsEvery, j.CheckTranscripts)
	s.Add("quotes_refresh", quotesEvery, j.RefreshQuotes)
	s.Add("news_prune", 6*time.Hour, j.PruneOldNews)
	s.Add("token_purge", time.Hour, j.PurgeExpiredTokens)
}

// lookupCIK resolves and caches a ticker's SEC CIK.
func (j *Jobs) lookupCIK(ctx context.Context, ticker string) (string, error) {
	key := "cik:" + ticker
	if v, ok := j.deps.Cache.Get(key); ok {
		return v.(string), nil
	}
	cik, err := j.deps.SEC.LookupCIK(ctx, ticker)
	if err != nil {
		return "", err
	}
	j.deps.Cache.SetTTL(key, cik, 30*24*time.Hour)
	return cik, nil
}

func (j *Jobs) notifyWatchers(ctx context.Context, ticker string, send func(chatID string) error) {
	if j.telegram == nil || !j.telegram.Enabled() {
		return
	}
	chatIDs, err := j.deps.Store.WatcherChatIDs(ticker)
	if err != nil {
		logging.Notify("failed to find watchers for %s: %v", ticker, err)
		return
	}
	for _, chatID := range chatIDs {
		if err := send(chatID); err != nil {
			logging.Notify("failed to notify chat %s about %s: %v", chatID, ticker, err)
		}
	}
}

func importanceScore(importance string) float64 {
	switch importance {
	case "high":
		return 0.9
	case "medium":
		return 0.5
	default:
		return 0.2
	}
}

// filingAnalyzer lets the filings job share analysis code with tests.
type filingAnalyzer interface {
	AnalyzeFiling(ctx context.Context, formType, ticker, text string) (json.RawMessage, error)
}
