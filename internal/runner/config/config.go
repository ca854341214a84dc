// Package config provides Agent Runner configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds Agent Runner configuration
type Config struct {
	DataDir  string // base directory for artifacts, mailboxes, memory, state
	Port     int
	LogLevel string
	DevMode  bool

	// APIToken authenticates operator override endpoints. Empty disables them.
	APIToken string

	// LLM endpoint settings. BaseURL must point at an OpenAI-compatible
	// server (Ollama works); AgentBaseURLs override it per agent.
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	AgentBaseURL map[string]string
	AgentModel   map[string]string

	// Loop pacing.
	CycleInterval    time.Duration // wait between cycles
	StepTimeout      time.Duration // per-step budget
	CycleMaxDuration time.Duration // forced-completion threshold
	MaxRetries       int           // per-step retry budget
	MaxBackoff       time.Duration // cap on retry backoff

	// Agent invocation.
	MaxIterations int // tool-call loop cap per step

	// Tool executor.
	MaxConcurrentTools   int
	BreakerFailThreshold int
	BreakerResetAfter    time.Duration
	BreakerProbeSuccess  int
	ToolTimeout          time.Duration

	// Mailboxes.
	MailboxCapacity int

	// StrategyPublishPath is where Synthesize's strategy.json is copied for
	// the Execution Service to pick up (shared volume).
	StrategyPublishPath string

	// MarketCachePath points at the Execution Service's market snapshot
	// cache on the shared volume. Empty leaves the market_snapshot tool
	// without a data source.
	MarketCachePath string

	// HTTPAllowedHosts is the http_get tool's host allow-list.
	HTTPAllowedHosts []string

	// Backup (optional; disabled when bucket is empty).
	BackupBucket          string
	BackupEndpoint        string
	BackupRegion          string
	BackupAccessKeyID     string
	BackupSecretAccessKey string
	BackupSchedule        string
	BackupRetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("CRYPTON_RUNNER_DATA_DIR", "./data/runner")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("CRYPTON_RUNNER_PORT", 8100),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		APIToken: getEnv("CRYPTON_RUNNER_API_TOKEN", ""),

		LLMBaseURL:   getEnv("CRYPTON_LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:    getEnv("CRYPTON_LLM_API_KEY", ""),
		LLMModel:     getEnv("CRYPTON_LLM_MODEL", "llama3.1"),
		AgentBaseURL: loadAgentOverrides("CRYPTON_LLM_BASE_URL_"),
		AgentModel:   loadAgentOverrides("CRYPTON_LLM_MODEL_"),

		CycleInterval:    time.Duration(getEnvAsInt("CRYPTON_CYCLE_INTERVAL_MINUTES", 60)) * time.Minute,
		StepTimeout:      time.Duration(getEnvAsInt("CRYPTON_STEP_TIMEOUT_MINUTES", 15)) * time.Minute,
		CycleMaxDuration: time.Duration(getEnvAsInt("CRYPTON_CYCLE_MAX_MINUTES", 120)) * time.Minute,
		MaxRetries:       getEnvAsInt("CRYPTON_STEP_MAX_RETRIES", 3),
		MaxBackoff:       time.Duration(getEnvAsInt("CRYPTON_MAX_BACKOFF_MINUTES", 60)) * time.Minute,

		MaxIterations: getEnvAsInt("CRYPTON_AGENT_MAX_ITERATIONS", 10),

		MaxConcurrentTools:   getEnvAsInt("CRYPTON_TOOL_MAX_CONCURRENT", 5),
		BreakerFailThreshold: getEnvAsInt("CRYPTON_BREAKER_FAIL_THRESHOLD", 5),
		BreakerResetAfter:    time.Duration(getEnvAsInt("CRYPTON_BREAKER_RESET_SECONDS", 60)) * time.Second,
		BreakerProbeSuccess:  getEnvAsInt("CRYPTON_BREAKER_PROBE_SUCCESSES", 3),
		ToolTimeout:          time.Duration(getEnvAsInt("CRYPTON_TOOL_TIMEOUT_SECONDS", 30)) * time.Second,

		MailboxCapacity: getEnvAsInt("CRYPTON_MAILBOX_CAPACITY", 5),

		StrategyPublishPath: getEnv("CRYPTON_STRATEGY_PUBLISH_PATH", filepath.Join(absDataDir, "strategy.json")),

		MarketCachePath:  getEnv("CRYPTON_MARKET_CACHE_PATH", ""),
		HTTPAllowedHosts: getEnvAsSlice("CRYPTON_HTTP_ALLOWED_HOSTS", nil),

		BackupBucket:          getEnv("CRYPTON_BACKUP_BUCKET", ""),
		BackupEndpoint:        getEnv("CRYPTON_BACKUP_ENDPOINT", ""),
		BackupRegion:          getEnv("CRYPTON_BACKUP_REGION", "auto"),
		BackupAccessKeyID:     getEnv("CRYPTON_BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretAccessKey: getEnv("CRYPTON_BACKUP_SECRET_ACCESS_KEY", ""),
		BackupSchedule:        getEnv("CRYPTON_BACKUP_SCHEDULE", "0 0 3 * * *"),
		BackupRetentionDays:   getEnvAsInt("CRYPTON_BACKUP_RETENTION_DAYS", 30),
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
	if c.MaxRetries < 0 {
		return fmt.Errorf("step max retries must not be negative")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("agent max iterations must be at least 1")
	}
	if c.MailboxCapacity < 1 {
		return fmt.Errorf("mailbox capacity must be at least 1")
	}
	return nil
}

// BaseURLFor returns the LLM endpoint for an agent, falling back to the
// shared endpoint.
func (c *Config) BaseURLFor(agent string) string {
	if url, ok := c.AgentBaseURL[strings.ToUpper(agent)]; ok {
		return url
	}
	return c.LLMBaseURL
}

// ModelFor returns the model name for an agent, falling back to the shared
// model.
func (c *Config) ModelFor(agent string) string {
	if model, ok := c.AgentModel[strings.ToUpper(agent)]; ok {
		return model
	}
	return c.LLMModel
}

// loadAgentOverrides collects CRYPTON_LLM_*_<AGENT> style variables keyed by
// the uppercased agent suffix.
func loadAgentOverrides(prefix string) map[string]string {
	overrides := make(map[string]string)
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, prefix) {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		agent := strings.TrimPrefix(parts[0], prefix)
		overrides[agent] = parts[1]
	}
	return overrides
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

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
