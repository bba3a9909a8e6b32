package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing defaults. Every tenant's entity tables share one pool, so
// these bound the engine's total connection footprint against Postgres.
const (
	DefaultMaxConnections = 25
	DefaultConnLifetime   = time.Hour
	DefaultConnIdleTime   = 30 * time.Minute
)

// DB is the pooled Postgres handle shared by the repositories and the
// storage gateway.
type DB struct {
	*pgxpool.Pool
}

// Config holds connection pool settings. Zero values fall back to the
// package defaults.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// normalize fills unset pool settings with the package defaults.
func (c Config) normalize() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = DefaultConnLifetime
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = DefaultConnIdleTime
	}
	return c
}

// NewConnection opens a connection pool and verifies it with a ping.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	norm := cfg.normalize()
	poolConfig.MaxConns = norm.MaxConnections
	poolConfig.MaxConnLifetime = norm.MaxConnLifetime
	poolConfig.MaxConnIdleTime = norm.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
