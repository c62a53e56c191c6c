package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL represents a PostgreSQL database connection pool.
type PostgreSQL struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL instance from a connection URL and
// verifies connectivity before returning.
func New(ctx context.Context, databaseURL string) (*PostgreSQL, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if poolConfig.MaxConns < 10 {
		poolConfig.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database connection is alive.
func (db *PostgreSQL) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close closes the database connection.
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
