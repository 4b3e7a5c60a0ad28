// Package server exposes the Market Atlas REST API and WebSocket feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/auth"
	"marketatlas/internal/bus"
	"marketatlas/internal/cache"
	"marketatlas/internal/config"
	"marketatlas/internal/logging"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/metrics"
	"marketatlas/internal/notify"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// NewsFetcher is the hook fired when a ticker is first added to a
// watchlist, so recent news shows up without waiting for the next poll.
type NewsFetcher func(ctx context.Context, ticker string) (int, error)

// Server wires the HTTP layer to the domain services.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	auth     *auth.Service
	runner   *tasks.Runner
	bus      *bus.Bus
	cache    *cache.Cache
	metrics  *metrics.Metrics
	finnhub  *marketdata.FinnhubClient
	telegram *notify.Telegram
	fetch    NewsFetcher

	router  *gin.Engine
	hub     *Hub
	limiter *rateLimiter
	httpSrv *http.Server
}

// Options carries the server's dependencies.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Auth     *auth.Service
	Runner   *tasks.Runner
	Bus      *bus.Bus
	Cache    *cache.Cache
	Metrics  *metrics.Metrics
	Finnhub  *marketdata.FinnhubClient
	Telegram *notify.Telegram
	Fetch    NewsFetcher
}

// NewServer builds the router. Call Run to start serving.
func NewServer(opts Options) *Server {
	if opts.Config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		auth:     opts.Auth,
		runner:   opts.Runner,
		bus:      opts.Bus,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		finnhub:  opts.Finnhub,
		telegram: opts.Telegram,
		fetch:    opts.Fetch,
		limiter:  newRateLimiter(),
	}
	s.hub = newHub(opts.Bus)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	if s.metrics != nil {
		router.Use(s.metricsMiddleware())
	}

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api/v1")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", s.rateLimit("register", s.cfg.Auth.RegisterPerHour, time.Hour), s.handleRegister)
		authGroup.POST("/login", s.rateLimit("login", s.cfg.Auth.LoginPerMinute, time.Minute), s.handleLogin)
		authGroup.POST("/refresh", s.rateLimit("refresh", s.cfg.Auth.RefreshPerMinute, time.Minute), s.handleRefresh)
		authGroup.POST("/logout", s.requireAuth(), s.handleLogout)
		authGroup.GET("/me", s.requireAuth(), s.handleMe)
		authGroup.POST("/telegram-link", s.requireAuth(), s.handleTelegramLink)
	}

	watchlists := api.Group("/watchlists", s.requireAuth())
	{
		watchlists.GET("", s.handleListWatchlists)
		watchlists.POST("", s.handleCreateWatchlist)
		watchlists.GET("/:id", s.handleGetWatchlist)
		watchlists.PATCH("/:id", s.handleUpdateWatchlist)
		watchlists.DELETE("/:id", s.handleDeleteWatchlist)
		watchlists.POST("/:id/items", s.handleAddWatchlistItem)
		watchlists.DELETE("/:id/items/:ticker", s.handleRemoveWatchlistItem)
	}

	research := api.Group("/research", s.requireAuth())
	{
		research.GET("", s.handleListTasks)
		research.POST("/discovery", s.handleCreateDiscovery)
		research.POST("/deep-dive", s.handleCreateDeepDive)
		research.POST("/earnings", s.handleCreateEarnings)
		research.POST("/filing", s.handleCreateFiling)
		research.POST("/comparative", s.handleCreateComparative)
		research.GET("/:id", s.handleGetTask)
		research.POST("/:id/cancel", s.handleCancelTask)
	}

	stocks := api.Group("/stocks", s.requireAuth())
	{
		stocks.GET("/search", s.handleSearchStocks)
		stocks.GET("/:ticker", s.handleGetStock)
	}

	news := api.Group("/news", s.requireAuth())
	{
		news.GET("", s.handleListNews)
		news.GET("/ticker/:ticker", s.handleNewsForTicker)
		news.GET("/:id", s.handleGetNewsItem)
	}

	api.POST("/telegram/webhook", s.handleTelegramWebhook)
	api.GET("/ws/news", s.handleWS)

	s.router = router
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.hub.Start()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("Listening on %s", s.cfg.Server.Addr)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.hub.Stop()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"name":    s.cfg.Name,
		"version": s.cfg.Version,
	})
}

// errorJSON is the uniform error envelope.
func errorJSON(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}
