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

	// Clearing/sweep settings
	SweepInterval  time.Duration // how often the clearing sweeper runs
	DisputeWindow  time.Duration // buyer's window to dispute after completion
	ClearingWindow time.Duration // held payouts auto-release after this
	FlagWindow     time.Duration // held payouts may be flagged within this

	// Approval gate
	ApprovalTTL        time.Duration // pending approvals expire after this
	RejectMode         string        // "immediate" or "quorum"
	HighTierDelay      time.Duration // mandatory delay after quorum for high-tier payouts
	LowTierMaxCents    int64         // single-approval tier upper bound
	MediumTierMaxCents int64         // two-approval tier upper bound

	// Payment rail
	StripeSecretKey string // empty disables the Stripe rail (no-op rail used)

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRejectMode    = "immediate"
	DefaultSweepInterval = 60 * time.Second

	DefaultDisputeWindow  = 48 * time.Hour
	DefaultClearingWindow = 7 * 24 * time.Hour
	DefaultFlagWindow     = 4 * 24 * time.Hour
	DefaultApprovalTTL    = 24 * time.Hour
	DefaultHighTierDelay  = 60 * time.Minute

	DefaultLowTierMaxCents    = 5_000  // $50
	DefaultMediumTierMaxCents = 50_000 // $500
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DisputeWindow:      getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		ClearingWindow:     getEnvDuration("CLEARING_WINDOW", DefaultClearingWindow),
		FlagWindow:         getEnvDuration("FLAG_WINDOW", DefaultFlagWindow),
		ApprovalTTL:        getEnvDuration("APPROVAL_TTL", DefaultApprovalTTL),
		RejectMode:         getEnv("APPROVAL_REJECT_MODE", DefaultRejectMode),
		HighTierDelay:      getEnvDuration("APPROVAL_HIGH_TIER_DELAY", DefaultHighTierDelay),
		LowTierMaxCents:    getEnvInt64("APPROVAL_LOW_TIER_MAX_CENTS", DefaultLowTierMaxCents),
		MediumTierMaxCents: getEnvInt64("APPROVAL_MEDIUM_TIER_MAX_CENTS", DefaultMediumTierMaxCents),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is coherent
func (c *Config) Validate() error {
	if c.RejectMode != "immediate" && c.RejectMode != "quorum" {
		return fmt.Errorf("APPROVAL_REJECT_MODE must be \"immediate\" or \"quorum\", got %q", c.RejectMode)
	}
	if c.FlagWindow > c.ClearingWindow {
		return fmt.Errorf("FLAG_WINDOW (%s) must not exceed CLEARING_WINDOW (%s)", c.FlagWindow, c.ClearingWindow)
	}
	if c.LowTierMaxCents <= 0 || c.MediumTierMaxCents <= c.LowTierMaxCents {
		return fmt.Errorf("approval tier bounds must satisfy 0 < low < medium")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
