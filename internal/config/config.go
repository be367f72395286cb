package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the resilience core configuration.
type Config struct {
	DatabasePath string
	WALPath      string
	FallbackPath string

	BrokerServiceURL string
	RiskServiceURL   string
	MarketDataWSURL  string
	MetricsAddr      string

	// Breaker hysteresis.
	FailThresholdCount   int
	FailThresholdSeconds float64

	// Mode dwell and recovery.
	MinSafeModeSeconds     float64
	RecoveryStableSeconds  float64
	RecoveryMaxStageRetry  int

	// Event bus.
	EventBusQueueSize int

	// Cache staleness thresholds.
	PositionCacheStaleMS   int
	MarketDataCacheStaleMS int

	// DB buffer limits.
	DBBufferMaxEntries int
	DBBufferMaxBytes   int64

	// Outbox.
	OutboxMaxAttempts    int
	OutboxRetentionDays  int

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "./data/trading.db"),
		WALPath:      getEnv("DB_BUFFER_WAL_PATH", "./data/db_buffer.wal"),
		FallbackPath: getEnv("EVENT_FALLBACK_PATH", "./data/event_fallback.jsonl"),

		BrokerServiceURL: getEnv("BROKER_SERVICE_URL", "http://localhost:9001"),
		RiskServiceURL:   getEnv("RISK_SERVICE_URL", "http://localhost:9003"),
		MarketDataWSURL:  getEnv("MARKET_DATA_WS_URL", "ws://localhost:9002/quotes"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),

		FailThresholdCount:   getEnvAsInt("FAIL_THRESHOLD_COUNT", 3),
		FailThresholdSeconds: getEnvAsFloat("FAIL_THRESHOLD_SECONDS", 10.0),

		MinSafeModeSeconds:    getEnvAsFloat("MIN_SAFE_MODE_SECONDS", 60.0),
		RecoveryStableSeconds: getEnvAsFloat("RECOVERY_STABLE_SECONDS", 30.0),
		RecoveryMaxStageRetry: getEnvAsInt("RECOVERY_MAX_STAGE_RETRY", 5),

		EventBusQueueSize: getEnvAsInt("EVENT_BUS_QUEUE_SIZE", 10000),

		PositionCacheStaleMS:   getEnvAsInt("POSITION_CACHE_STALE_MS", 30000),
		MarketDataCacheStaleMS: getEnvAsInt("MARKET_DATA_CACHE_STALE_MS", 10000),

		DBBufferMaxEntries: getEnvAsInt("DB_BUFFER_MAX_ENTRIES", 10000),
		DBBufferMaxBytes:   int64(getEnvAsInt("DB_BUFFER_MAX_BYTES", 50*1024*1024)),

		OutboxMaxAttempts:   getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxRetentionDays: getEnvAsInt("OUTBOX_RETENTION_DAYS", 7),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.EventBusQueueSize <= 0 {
		return fmt.Errorf("EVENT_BUS_QUEUE_SIZE must be positive, got %d", c.EventBusQueueSize)
	}
	if c.FailThresholdCount <= 0 {
		return fmt.Errorf("FAIL_THRESHOLD_COUNT must be positive, got %d", c.FailThresholdCount)
	}
	if c.DBBufferMaxEntries <= 0 || c.DBBufferMaxBytes <= 0 {
		return fmt.Errorf("DB buffer limits must be positive")
	}
	return nil
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
