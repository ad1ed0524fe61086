package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	HTTPAddr    string
	DatabaseURL string

	KafkaBrokers []string

	PriceLockWindow   time.Duration
	QuoteFetchTimeout time.Duration
	SpreadBps         int64
	FeeBps            int64

	ReconcileInterval time.Duration
	AuditTrailPath    string
}

// Load reads configuration from environment variables and validates
// the required keys.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    os.Getenv("APP_ENV"),
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuditTrailPath: envOr("AUDIT_TRAIL_PATH", "reconciler-audit.log"),
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.PriceLockWindow, err = durationOr("PRICE_LOCK_WINDOW", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.QuoteFetchTimeout, err = durationOr("QUOTE_FETCH_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = durationOr("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SpreadBps, err = bpsOr("SPREAD_BPS", 50); err != nil {
		return nil, err
	}
	if cfg.FeeBps, err = bpsOr("FEE_BPS", 25); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.PriceLockWindow <= 0 {
		return errors.New("PRICE_LOCK_WINDOW must be positive")
	}
	if c.QuoteFetchTimeout <= 0 {
		return errors.New("QUOTE_FETCH_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

// SQLite reports whether the database URL points at an embedded
// SQLite file rather than a Postgres server.
func (c *Config) SQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://") || strings.HasPrefix(c.DatabaseURL, "file:")
}

// SQLiteDSN strips the sqlite:// scheme for database/sql.
func (c *Config) SQLiteDSN() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func bpsOr(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
