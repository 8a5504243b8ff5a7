// Package config provides application configuration management.
//
// Configuration is loaded from a .env file (if present) and environment
// variables. Strategy configuration does not live here: per-position
// trigger/guardrail/policy blocks come from the hierarchical config
// store in config.db.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// DataDir is the base directory for all databases. Always absolute.
	DataDir string

	// MarketDataURL is the base URL of the market data API.
	MarketDataURL string
	// MarketDataAPIKey authorizes market data calls. Optional.
	MarketDataAPIKey string
	// MarketDataStreamURL enables the websocket quote stream when set.
	MarketDataStreamURL string

	// PollInterval between live evaluation cycles.
	PollInterval time.Duration
	// QuoteTimeout bounds each quote fetch.
	QuoteTimeout time.Duration
	// Workers bounds parallel position cycles.
	Workers int

	// TimelineRetention bounds how long timeline rows are kept.
	TimelineRetention time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogPretty enables the console writer for interactive use.
	LogPretty bool
}

// Load reads configuration from .env and the environment.
func Load() (*Config, error) {
	// .env is optional; environment variables win when both define a key.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:             getEnv("VOLBALANCE_DATA_DIR", "./data"),
		MarketDataURL:       getEnv("VOLBALANCE_MARKETDATA_URL", ""),
		MarketDataAPIKey:    getEnv("VOLBALANCE_MARKETDATA_API_KEY", ""),
		MarketDataStreamURL: getEnv("VOLBALANCE_MARKETDATA_STREAM_URL", ""),
		PollInterval:        getEnvDuration("VOLBALANCE_POLL_INTERVAL", 15*time.Second),
		QuoteTimeout:        getEnvDuration("VOLBALANCE_QUOTE_TIMEOUT", 5*time.Second),
		Workers:             getEnvInt("VOLBALANCE_WORKERS", 4),
		TimelineRetention:   getEnvDuration("VOLBALANCE_TIMELINE_RETENTION", 90*24*time.Hour),
		LogLevel:            getEnv("VOLBALANCE_LOG_LEVEL", "info"),
		LogPretty:           getEnvBool("VOLBALANCE_LOG_PRETTY", false),
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.DataDir = absDir

	return cfg, nil
}

// DatabasePath returns the path of a named database under the data dir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
