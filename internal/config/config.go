// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
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
	DatabaseURL string // PostgreSQL connection string, required

	// Stripe
	StripeSecretKey     string `json:"-"`
	StripeWebhookSecret string `json:"-"`
	StripeMode          string // "test" or "live"

	// Feature gates
	PayoutsEnabled bool

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int

	// Saga / recovery tuning
	RecoveryStuckTimeoutMinutes int
	LockDefaultTTLSeconds       int
	OutboxPollInterval          time.Duration
	OutboxBatchSize             int

	// Safety
	NegativeOutcomeRateThreshold float64

	// Redis (idempotency-response cache fallback / rate limiter backing store)
	UpstashRedisRestURL   string
	UpstashRedisRestToken string `json:"-"`

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint    string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
	AlertWebhookURL string // chat/pager incoming webhook for obs.Fanout
}

const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultRateLimit  = 100
	DefaultStripeMode = "test"

	DefaultRecoveryStuckTimeoutMinutes  = 10
	DefaultLockTTLSeconds               = 30
	DefaultOutboxPollInterval           = 2 * time.Second
	DefaultOutboxBatchSize              = 50
	DefaultNegativeOutcomeRateThreshold = 0.25

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeMode:          getEnv("STRIPE_MODE", DefaultStripeMode),
		PayoutsEnabled:      getEnvBool("PAYOUTS_ENABLED", true),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: func() int {
			rpm := getEnvInt64("RATE_LIMIT_RPM", 0)
			if rpm == 0 {
				rpm = int64(DefaultRateLimit)
			}
			return int(rpm)
		}(),

		RecoveryStuckTimeoutMinutes: int(getEnvInt64("RECOVERY_STUCK_TIMEOUT_MINUTES", int64(DefaultRecoveryStuckTimeoutMinutes))),
		LockDefaultTTLSeconds:       int(getEnvInt64("LOCK_DEFAULT_TTL_SECONDS", int64(DefaultLockTTLSeconds))),
		OutboxPollInterval:          getEnvDuration("OUTBOX_POLL_INTERVAL", DefaultOutboxPollInterval),
		OutboxBatchSize:             int(getEnvInt64("OUTBOX_BATCH_SIZE", int64(DefaultOutboxBatchSize))),

		NegativeOutcomeRateThreshold: getEnvFloat("NEGATIVE_OUTCOME_RATE_THRESHOLD", DefaultNegativeOutcomeRateThreshold),

		UpstashRedisRestURL:   os.Getenv("UPSTASH_REDIS_REST_URL"),
		UpstashRedisRestToken: os.Getenv("UPSTASH_REDIS_REST_TOKEN"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.StripeMode != "test" && c.StripeMode != "live" {
		return fmt.Errorf("STRIPE_MODE must be %q or %q, got %q", "test", "live", c.StripeMode)
	}

	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.RecoveryStuckTimeoutMinutes < 1 {
		return fmt.Errorf("RECOVERY_STUCK_TIMEOUT_MINUTES must be at least 1, got %d", c.RecoveryStuckTimeoutMinutes)
	}

	if c.NegativeOutcomeRateThreshold <= 0 || c.NegativeOutcomeRateThreshold > 1 {
		return fmt.Errorf("NEGATIVE_OUTCOME_RATE_THRESHOLD must be in (0, 1], got %v", c.NegativeOutcomeRateThreshold)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	// Warnings (non-fatal)
	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints will reject all requests")
	}
	if c.IsProduction() && c.AlertWebhookURL == "" {
		slog.Warn("ALERT_WEBHOOK_URL not set — critical alerts will only be logged, not paged")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
