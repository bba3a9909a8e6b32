package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, signing keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// MigrationsPath is the directory holding control-plane migration files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Migration execution tuning
	Migration MigrationConfig `yaml:"migration"`

	// Event delivery tuning
	Events EventsConfig `yaml:"events"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens are validated.
	// Set to false for local development; the tenant then comes from the
	// X-Tenant-ID header instead of a signed claim.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// SigningKey verifies HMAC-signed tenant tokens. Required when
	// verification is enabled.
	SigningKey string `yaml:"-" env:"AUTH_SIGNING_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"fieldline"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"fieldline"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// ConnLifetimeMinutes caps how long one pooled connection is reused
	// before being recycled; ConnIdleMinutes closes connections idle
	// longer than the window.
	ConnLifetimeMinutes int `yaml:"conn_lifetime_minutes" env:"PGCONN_LIFETIME_MINUTES" env-default:"60"`
	ConnIdleMinutes     int `yaml:"conn_idle_minutes" env:"PGCONN_IDLE_MINUTES" env-default:"30"`
}

// MigrationConfig tunes schema migration execution.
type MigrationConfig struct {
	// BatchSize caps how many rows one backfill statement touches.
	BatchSize int `yaml:"batch_size" env:"MIGRATION_BATCH_SIZE" env-default:"500"`
	// DrainTimeoutSeconds caps how long contract waits for in-flight
	// operations on the superseded schema version.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds" env:"MIGRATION_DRAIN_TIMEOUT_SECONDS" env-default:"30"`
}

// EventsConfig tunes in-process event delivery.
type EventsConfig struct {
	// MaxAttempts is how many times a failing delivery is retried before
	// the event is dropped.
	MaxAttempts int `yaml:"max_attempts" env:"EVENTS_MAX_ATTEMPTS" env-default:"5"`
	// RedeliveryMillis is the pause before a failed delivery is retried.
	RedeliveryMillis int `yaml:"redelivery_millis" env:"EVENTS_REDELIVERY_MILLIS" env-default:"100"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config. A missing config.yaml is not an error; everything then
// comes from environment variables and defaults.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.EnableVerification && c.Auth.SigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when auth verification is enabled")
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration batch_size must be positive, got %d", c.Migration.BatchSize)
	}
	return nil
}

// DrainTimeout returns the contract drain window as a duration.
func (c *MigrationConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// RedeliveryDelay returns the event redelivery pause as a duration.
func (c *EventsConfig) RedeliveryDelay() time.Duration {
	return time.Duration(c.RedeliveryMillis) * time.Millisecond
}

// ConnLifetime returns the connection recycling window as a duration.
func (c *DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinutes) * time.Minute
}

// ConnIdleTime returns the idle connection window as a duration.
func (c *DatabaseConfig) ConnIdleTime() time.Duration {
	return time.Duration(c.ConnIdleMinutes) * time.Minute
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
