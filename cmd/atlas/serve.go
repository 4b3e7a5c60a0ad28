package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketatlas/internal/ai"
	"marketatlas/internal/auth"
	"marketatlas/internal/bus"
	"marketatlas/internal/cache"
	"marketatlas/internal/config"
	"marketatlas/internal/logging"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/metrics"
	"marketatlas/internal/notify"
	"marketatlas/internal/research"
	"marketatlas/internal/server"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	defer logging.CloseAll()

	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	b := bus.New()
	defer b.Close()
	c := cache.New(cfg.GetMarketDataCacheTTL())
	defer c.Stop()
	m := metrics.New()
	m.RegisterCacheStats(
		func() uint64 { return c.Stats().Hits },
		func() uint64 { return c.Stats().Misses },
	)

	providerClient := func(service string) *http.Client {
		return &http.Client{
			Timeout:   cfg.GetMarketDataTimeout(),
			Transport: m.ProviderTransport(service, nil),
		}
	}
	aiClient := ai.InstrumentClient(newAIClient(cfg), func(outcome string) {
		m.AIRequests.WithLabelValues(outcome).Inc()
	})
	deps := &research.Deps{
		Store:     st,
		Cache:     c,
		Client:    aiClient,
		FastModel: cfg.AI.FastModel,
		DeepModel: cfg.AI.DeepModel,
		Finnhub:   marketdata.NewFinnhubClient(cfg.MarketData.FinnhubAPIKey, "", providerClient("finnhub")),
		FMP:       marketdata.NewFMPClient(cfg.MarketData.FMPAPIKey, "", providerClient("fmp")),
		Polygon:   marketdata.NewPolygonClient(cfg.MarketData.PolygonAPIKey, "", providerClient("polygon")),
		SEC:       marketdata.NewSECClient(cfg.MarketData.SECUserAgent, "", "", "", providerClient("sec")),
	}

	slots := tasks.NewAISlots(cfg.Tasks.MaxConcurrentAI)
	deps.Slots = slots
	runner := tasks.NewRunner(st, b, m, slots, tasks.Options{
		Workers:     cfg.Tasks.Workers,
		TaskTimeout: cfg.GetTaskTimeout(),
	})
	research.RegisterAll(runner, deps)

	telegram := notify.NewTelegram(cfg.Telegram.BotToken, "", providerClient("telegram"))
	runner.SetOnComplete(completionNotifier(st, telegram))

	jobs := research.NewJobs(deps, b, m, telegram)
	sched := tasks.NewScheduler()
	jobs.Register(sched,
		cfg.GetNewsInterval(), cfg.GetFilingsInterval(),
		cfg.GetTranscriptInterval(), cfg.GetQuotesInterval())

	authSvc := newAuthService(cfg, st)
	srv := server.NewServer(server.Options{
		Config:   cfg,
		Store:    st,
		Auth:     authSvc,
		Runner:   runner,
		Bus:      b,
		Cache:    c,
		Metrics:  m,
		Finnhub:  deps.Finnhub,
		Telegram: telegram,
		Fetch:    jobs.FetchTickerNews,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		return err
	}
	sched.Start(ctx)

	// Hot-reload the config file; only logging settings take effect live.
	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			logging.Reconfigure(logging.Options{
				Dir:        next.Logging.Dir,
				DebugMode:  next.Logging.DebugMode,
				Level:      next.Logging.Level,
				JSONFormat: next.Logging.JSONFormat,
				Categories: next.Logging.Categories,
			})
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	logger.Info("starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("db", cfg.Database.Path),
		zap.Int("workers", cfg.Tasks.Workers),
		zap.Bool("ai", cfg.AI.APIKey != ""),
		zap.Bool("telegram", telegram.Enabled()),
	)

	err = srv.Run(ctx)

	sched.Stop()
	runner.Stop()
	logger.Info("shutdown complete")
	return err
}

func newAuthService(cfg *config.Config, st *store.Store) *auth.Service {
	return auth.NewService(st, cfg.Auth.JWTSecret, cfg.GetAccessTokenTTL(), cfg.GetRefreshTokenTTL())
}

func newAIClient(cfg *config.Config) ai.Client {
	return ai.NewAnthropicClient(ai.AnthropicConfig{
		APIKey:     cfg.AI.APIKey,
		BaseURL:    cfg.AI.BaseURL,
		Model:      cfg.AI.FastModel,
		Timeout:    cfg.GetAITimeout(),
		MaxRetries: cfg.AI.MaxRetries,
	})
}

// completionNotifier builds the runner's completion hook: a Telegram message
// to the task owner, once per task across restarts.
func completionNotifier(st *store.Store, telegram *notify.Telegram) func(task *store.ResearchTask) {
	return func(task *store.ResearchTask) {
		if !telegram.Enabled() {
			return
		}
		user, err := st.GetUserByID(task.UserID)
		if err != nil || user.TelegramChatID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var params struct {
			Title string `json:"title"`
			Theme string `json:"theme"`
		}
		_ = json.Unmarshal([]byte(task.ParametersJSON), &params)

		var result struct {
			Candidates []notify.Candidate `json:"candidates"`
			Report     json.RawMessage    `json:"report"`
			Analysis   json.RawMessage    `json:"analysis"`
		}
		_ = json.Unmarshal([]byte(store.NormalizeResult(task.ResultJSON, task.ResultVersion)), &result)

		if task.TaskType == store.TaskDiscovery {
			if err := telegram.DiscoveryComplete(ctx, user.TelegramChatID, params.Theme, result.Candidates); err != nil {
				logging.NotifyError("Discovery notification for task %s failed: %v", task.ID, err)
			}
			return
		}

		summary := resultSummary(result.Report)
		if summary == "" {
			summary = resultSummary(result.Analysis)
		}
		if err := telegram.ResearchComplete(ctx, user.TelegramChatID, params.Title, task.TaskType, summary); err != nil {
			logging.NotifyError("Completion notification for task %s failed: %v", task.ID, err)
		}
	}
}

const summaryLimit = 500

// resultSummary renders a report field as message text. Reports are JSON
// objects for most task types; prefer their summary-like fields over dumping
// the whole object into the chat.
func resultSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return truncate(text, summaryLimit)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if es, ok := body["executive_summary"].(map[string]interface{}); ok {
		if s, ok := es["key_thesis"].(string); ok && s != "" {
			return truncate(s, summaryLimit)
		}
	}
	for _, key := range []string{"executive_summary", "comparison_summary", "summary", "recommendation", "thesis"} {
		if s, ok := body[key].(string); ok && s != "" {
			return truncate(s, summaryLimit)
		}
	}
	return truncate(string(raw), summaryLimit)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
