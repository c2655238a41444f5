package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultStripeMode, cfg.StripeMode)
	assert.True(t, cfg.PayoutsEnabled)
	assert.Equal(t, DefaultRecoveryStuckTimeoutMinutes, cfg.RecoveryStuckTimeoutMinutes)
}

func TestLoad_ProductionRequiresStripeSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_SECRET_KEY", "")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
}

func TestLoad_InvalidStripeMode(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STRIPE_MODE", "sandbox")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_MODE must be")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env: "development", Port: "8080", StripeMode: "test",
				RateLimitRPM: 100, DBStatementTimeout: 30000,
				RecoveryStuckTimeoutMinutes: 10, NegativeOutcomeRateThreshold: 0.25,
			},
			wantErr: "",
		},
		{
			name: "bad stripe mode",
			config: Config{
				Env: "development", Port: "8080", StripeMode: "bogus",
				RateLimitRPM: 100, DBStatementTimeout: 30000,
				RecoveryStuckTimeoutMinutes: 10, NegativeOutcomeRateThreshold: 0.25,
			},
			wantErr: "STRIPE_MODE must be",
		},
		{
			name: "bad port",
			config: Config{
				Env: "development", Port: "not-a-port", StripeMode: "test",
				RateLimitRPM: 100, DBStatementTimeout: 30000,
				RecoveryStuckTimeoutMinutes: 10, NegativeOutcomeRateThreshold: 0.25,
			},
			wantErr: "PORT must be a number",
		},
		{
			name: "outcome threshold out of range",
			config: Config{
				Env: "development", Port: "8080", StripeMode: "test",
				RateLimitRPM: 100, DBStatementTimeout: 30000,
				RecoveryStuckTimeoutMinutes: 10, NegativeOutcomeRateThreshold: 1.5,
			},
			wantErr: "NEGATIVE_OUTCOME_RATE_THRESHOLD must be in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.33")
	assert.Equal(t, 0.33, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.5, getEnvFloat("NONEXISTENT_VAR", 0.5))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")
	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
