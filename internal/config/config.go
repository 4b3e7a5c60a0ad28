package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Market Atlas configuration.
type Config struct {
	// Core settings
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // development, production

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Storage
	Database DatabaseConfig `yaml:"database"`

	// Authentication
	Auth AuthConfig `yaml:"auth"`

	// AI model configuration
	AI AIConfig `yaml:"ai"`

	// External market data providers
	MarketData MarketDataConfig `yaml:"market_data"`

	// Telegram notifications
	Telegram TelegramConfig `yaml:"telegram"`

	// Background task pipeline
	Tasks TasksConfig `yaml:"tasks"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	FrontendURL string `yaml:"frontend_url"` // CORS origin
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures JWT authentication.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	AccessTokenTTL   string `yaml:"access_token_ttl"`
	RefreshTokenTTL  string `yaml:"refresh_token_ttl"`
	RegisterPerHour  int    `yaml:"register_per_hour"`
	LoginPerMinute   int    `yaml:"login_per_minute"`
	RefreshPerMinute int    `yaml:"refresh_per_minute"`
}

// AIConfig configures the model provider.
type AIConfig struct {
	Provider   string `yaml:"provider"` // anthropic
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	FastModel  string `yaml:"fast_model"` // news triage
	DeepModel  string `yaml:"deep_model"` // research analysis
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// MarketDataConfig configures external market data APIs.
type MarketDataConfig struct {
	FinnhubAPIKey string `yaml:"finnhub_api_key"`
	FMPAPIKey     string `yaml:"fmp_api_key"`
	PolygonAPIKey string `yaml:"polygon_api_key"`
	SECUserAgent  string `yaml:"sec_user_agent"`
	Timeout       string `yaml:"timeout"`
	CacheTTL      string `yaml:"cache_ttl"`
}

// TelegramConfig configures the Telegram bot integration.
type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	BotUsername   string `yaml:"bot_username"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// TasksConfig configures the background task pipeline.
type TasksConfig struct {
	Workers            int    `yaml:"workers"`             // Concurrent task executors
	MaxConcurrentAI    int    `yaml:"max_concurrent_ai"`   // AI call slots across all workers
	TaskTimeout        string `yaml:"task_timeout"`        // Per-task hard limit
	NewsInterval       string `yaml:"news_interval"`       // Watchlist news poll
	FilingsInterval    string `yaml:"filings_interval"`    // SEC filings check
	TranscriptInterval string `yaml:"transcript_interval"` // Earnings transcript check
	QuotesInterval     string `yaml:"quotes_interval"`     // Price refresh
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Dir        string          `yaml:"dir"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "Market Atlas",
		Version:     "0.1.0",
		Environment: "development",

		Server: ServerConfig{
			Addr:        ":8000",
			FrontendURL: "http://localhost:3000",
		},

		Database: DatabaseConfig{
			Path: "data/atlas.db",
		},

		Auth: AuthConfig{
			AccessTokenTTL:   "30m",
			RefreshTokenTTL:  "168h", // 7 days
			RegisterPerHour:  5,
			LoginPerMinute:   10,
			RefreshPerMinute: 20,
		},

		AI: AIConfig{
			Provider:   "anthropic",
			BaseURL:    "https://api.anthropic.com/v1",
			FastModel:  "claude-3-5-haiku-20241022",
			DeepModel:  "claude-sonnet-4-20250514",
			Timeout:    "120s",
			MaxRetries: 3,
		},

		MarketData: MarketDataConfig{
			SECUserAgent: "Market-Atlas research@example.com",
			Timeout:      "30s",
			CacheTTL:     "1h",
		},

		Telegram: TelegramConfig{
			BotUsername: "market_atlas_bot",
		},

		Tasks: TasksConfig{
			Workers:            4,
			MaxConcurrentAI:    5,
			TaskTimeout:        "1h",
			NewsInterval:       "1m",
			FilingsInterval:    "1h",
			TranscriptInterval: "24h",
			QuotesInterval:     "5m",
		},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   "data/logs",
		},
	}
}

// Load loads configuration from a YAML file.
// Missing file is not an error; defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ATLAS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ATLAS_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ATLAS_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.MarketData.FinnhubAPIKey = v
	}
	if v := os.Getenv("FMP_API_KEY"); v != "" {
		c.MarketData.FMPAPIKey = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		c.MarketData.PolygonAPIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.Server.FrontendURL = v
	}
}

// insecureJWTDefaults are placeholder values that must never reach production.
var insecureJWTDefaults = []string{
	"your-super-secret-jwt-key-change-in-production",
	"change-me",
	"secret",
	"jwt-secret",
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret not configured (set JWT_SECRET_KEY or auth.jwt_secret)")
	}
	for _, d := range insecureJWTDefaults {
		if strings.EqualFold(c.Auth.JWTSecret, d) {
			return fmt.Errorf("JWT secret cannot use default/example values")
		}
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters long, got %d", len(c.Auth.JWTSecret))
	}
	if c.AI.Provider != "anthropic" {
		return fmt.Errorf("invalid AI provider: %s (valid: anthropic)", c.AI.Provider)
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be at least 1")
	}
	if c.Tasks.MaxConcurrentAI < 1 {
		return fmt.Errorf("tasks.max_concurrent_ai must be at least 1")
	}
	return nil
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetAccessTokenTTL returns the access token lifetime.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return c.duration(c.Auth.AccessTokenTTL, 30*time.Minute)
}

// GetRefreshTokenTTL returns the refresh token lifetime.
func (c *Config) GetRefreshTokenTTL() time.Duration {
	return c.duration(c.Auth.RefreshTokenTTL, 7*24*time.Hour)
}

// GetAITimeout returns the model call timeout.
func (c *Config) GetAITimeout() time.Duration {
	return c.duration(c.AI.Timeout, 120*time.Second)
}

// GetMarketDataTimeout returns the external API timeout.
func (c *Config) GetMarketDataTimeout() time.Duration {
	return c.duration(c.MarketData.Timeout, 30*time.Second)
}

// GetMarketDataCacheTTL returns the profile/search cache TTL.
func (c *Config) GetMarketDataCacheTTL() time.Duration {
	return c.duration(c.MarketData.CacheTTL, time.Hour)
}

// GetTaskTimeout returns the per-task execution limit.
func (c *Config) GetTaskTimeout() time.Duration {
	return c.duration(c.Tasks.TaskTimeout, time.Hour)
}

// GetNewsInterval returns the watchlist news poll interval.
func (c *Config) GetNewsInterval() time.Duration {
	return c.duration(c.Tasks.NewsInterval, time.Minute)
}

// GetFilingsInterval returns the SEC filings check interval.
func (c *Config) GetFilingsInterval() time.Duration {
	return c.duration(c.Tasks.FilingsInterval, time.Hour)
}

// GetTranscriptInterval returns the earnings transcript check interval.
func (c *Config) GetTranscriptInterval() time.Duration {
	return c.duration(c.Tasks.TranscriptInterval, 24*time.Hour)
}

// GetQuotesInterval returns the price refresh interval.
func (c *Config) GetQuotesInterval() time.Duration {
	return c.duration(c.Tasks.QuotesInterval, 5*time.Minute)
}

// CORSOrigins returns the allowed CORS origins for the environment.
// In development localhost:3000 is always allowed.
func (c *Config) CORSOrigins() []string {
	origins := []string{c.Server.FrontendURL}
	if c.Environment == "development" && !strings.Contains(c.Server.FrontendURL, "localhost") {
		origins = append(origins, "http://localhost:3000")
	}
	return origins
}
