// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Messaging
	NATSURL string // NATS broker for lifecycle notifications (optional, logs if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing off if not set)

	// Transaction windows
	PendingHold   time.Duration // how long created/pending may sit before auto-cancel
	AckWindow     time.Duration // how long a buyer gets to acknowledge a transfer
	SweepInterval time.Duration // reaper and expiry sweep cadence

	// Security
	ManagerToken  string // capability token for dispute-resolution endpoints
	RateLimitRPS  int
	RetryAttempts int // bound on internal optimistic-concurrency retries
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 100
	DefaultRetryAttempts = 3

	DefaultPendingHold   = 48 * time.Hour
	DefaultAckWindow     = 7 * 24 * time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		NATSURL:       os.Getenv("NATS_URL"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		PendingHold:   getEnvDuration("PENDING_HOLD", DefaultPendingHold),
		AckWindow:     getEnvDuration("ACK_WINDOW", DefaultAckWindow),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ManagerToken:  os.Getenv("MANAGER_TOKEN"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		RetryAttempts: int(getEnvInt64("RETRY_ATTEMPTS", int64(DefaultRetryAttempts))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PendingHold <= 0 {
		return fmt.Errorf("PENDING_HOLD must be positive")
	}
	if c.AckWindow <= 0 {
		return fmt.Errorf("ACK_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.IsProduction() && c.ManagerToken == "" {
		return fmt.Errorf("MANAGER_TOKEN is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
