// Package config provides Execution Service configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds Execution Service configuration
type Config struct {
	DataDir  string // base directory for state, logs and the candle db
	Port     int
	LogLevel string
	DevMode  bool

	// APIToken authenticates operator endpoints. Empty disables them.
	APIToken string

	// StrategyWatchPath is the strategy.json location the Agent Runner
	// publishes to (shared volume).
	StrategyWatchPath string

	// TriggerMode is "fresh_crossing" or "immediate" for conditional
	// entries.
	TriggerMode string

	// Paper adapter.
	PaperStartingCapitalUsd float64
	PaperSlippagePct        float64
	PaperCommissionRate     float64
	PaperTickInterval       time.Duration

	// Live adapter.
	LiveFeedURL string
	LiveAPIKey  string

	// Order sizing.
	LotIncrement float64
	MinLot       float64

	// Dead man's switch.
	DMSTimeout time.Duration

	// MetricsInterval throttles the websocket MetricsUpdate channel.
	MetricsInterval time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("CRYPTON_EXEC_DATA_DIR", "./data/execution")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("CRYPTON_EXEC_PORT", 8200),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		APIToken: getEnv("CRYPTON_EXEC_API_TOKEN", ""),

		StrategyWatchPath: getEnv("CRYPTON_STRATEGY_WATCH_PATH", filepath.Join(absDataDir, "strategy.json")),
		TriggerMode:       getEnv("CRYPTON_ENTRY_TRIGGER_MODE", "fresh_crossing"),

		PaperStartingCapitalUsd: getEnvAsFloat("CRYPTON_PAPER_STARTING_CAPITAL_USD", 10000),
		PaperSlippagePct:        getEnvAsFloat("CRYPTON_PAPER_SLIPPAGE_PCT", 0.0005),
		PaperCommissionRate:     getEnvAsFloat("CRYPTON_PAPER_COMMISSION_RATE", 0.001),
		PaperTickInterval:       time.Duration(getEnvAsInt("CRYPTON_PAPER_TICK_MS", 1000)) * time.Millisecond,

		LiveFeedURL: getEnv("CRYPTON_LIVE_FEED_URL", ""),
		LiveAPIKey:  getEnv("CRYPTON_LIVE_API_KEY", ""),

		LotIncrement: getEnvAsFloat("CRYPTON_LOT_INCREMENT", 0.0001),
		MinLot:       getEnvAsFloat("CRYPTON_MIN_LOT", 0.0001),

		DMSTimeout: time.Duration(getEnvAsInt("CRYPTON_DMS_TIMEOUT_SECONDS", 60)) * time.Second,

		MetricsInterval: time.Duration(getEnvAsInt("CRYPTON_METRICS_INTERVAL_SECONDS", 5)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.TriggerMode != "fresh_crossing" && c.TriggerMode != "immediate" {
		return fmt.Errorf("invalid entry trigger mode: %s", c.TriggerMode)
	}
	if c.PaperStartingCapitalUsd <= 0 {
		return fmt.Errorf("paper starting capital must be positive")
	}
	if c.LotIncrement <= 0 {
		return fmt.Errorf("lot increment must be positive")
	}
	if c.MetricsInterval < time.Second {
		return fmt.Errorf("metrics interval must be at least one second")
	}
	return nil
}

// StatePath resolves a file under the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.DataDir, "state", name)
}

// LogsDir is the NDJSON event log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
