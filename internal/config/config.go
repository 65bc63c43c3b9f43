package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents different deployment environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the sync service.
// Environment variables are parsed from the KALENDR_ prefix,
// e.g. KALENDR_HTTP_PORT, KALENDR_LEDGER_DRIVER.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Remote calendar store (CalDAV)
	CalDAVEndpoint string `envconfig:"CALDAV_ENDPOINT" default:""`
	CalDAVUsername string `envconfig:"CALDAV_USERNAME" default:""`
	CalDAVPassword string `envconfig:"CALDAV_PASSWORD" default:""`

	// Audit ledger storage. Driver selects sqlite (local file) or postgres.
	LedgerDriver string `envconfig:"LEDGER_DRIVER" default:"sqlite"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"data/kalendr-audit.db"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN" default:""`

	// Cache behavior
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"10m"`
	RefreshSchedule string        `envconfig:"REFRESH_SCHEDULE" default:"@every 5m"`

	// Collection listing policy (YAML file with ranks, colors, exclusions).
	// Optional; an empty path means no policy overrides.
	CollectionsFile string `envconfig:"COLLECTIONS_FILE" default:""`
}

// ResolveDefaults validates driver selection and cross-field requirements.
func (c *Config) ResolveDefaults() error {
	switch c.LedgerDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("KALENDR_SQLITE_PATH is required for the sqlite ledger driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("KALENDR_POSTGRES_DSN is required for the postgres ledger driver")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER: %s", c.LedgerDriver)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	return nil
}

// New creates a Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("KALENDR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewForTesting creates a config suitable for tests.
func NewForTesting() *Config {
	return &Config{
		Environment:     EnvTesting,
		HTTPPort:        8080,
		LedgerDriver:    "sqlite",
		SQLitePath:      ":memory:",
		CacheTTL:        10 * time.Minute,
		RefreshSchedule: "@every 5m",
	}
}

// IsTesting returns true if the environment is set to testing.
func (c *Config) IsTesting() bool { return c.Environment == EnvTesting }

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }
