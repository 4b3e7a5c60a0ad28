package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"marketatlas/internal/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	addr       string

	// Logger for the command layer; the service uses the categorized
	// logger configured from the config file.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "Market Atlas - AI-assisted investment research service",
	Long: `Market Atlas is an investment research backend: watchlists, AI research
tasks (discovery, deep dives, earnings and filing analysis), a live news
feed over WebSocket, and Telegram notifications.

Run without arguments to start the API server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// serveCmd runs the API server and background pipeline.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and background jobs",
	Long: `Starts the HTTP API, the WebSocket news feed, the research task workers,
and the scheduled market-data jobs. Shuts down cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

// configCmd writes a starter config file.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		fmt.Println("Set JWT_SECRET_KEY and ANTHROPIC_API_KEY (or edit the file) before serving.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Redact secrets before printing.
		cfg.Auth.JWTSecret = redact(cfg.Auth.JWTSecret)
		cfg.AI.APIKey = redact(cfg.AI.APIKey)
		cfg.MarketData.FinnhubAPIKey = redact(cfg.MarketData.FinnhubAPIKey)
		cfg.MarketData.FMPAPIKey = redact(cfg.MarketData.FMPAPIKey)
		cfg.MarketData.PolygonAPIKey = redact(cfg.MarketData.PolygonAPIKey)
		cfg.Telegram.BotToken = redact(cfg.Telegram.BotToken)
		cfg.Telegram.WebhookSecret = redact(cfg.Telegram.WebhookSecret)
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig loads, overrides, and validates the configuration for serving.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	start := time.Now()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (after %v)\n", err, time.Since(start).Round(time.Millisecond))
		os.Exit(1)
	}
}
