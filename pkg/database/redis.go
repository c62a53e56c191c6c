package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis represents a Redis client connection pool.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a new Redis client from a connection URL
// (e.g. redis://localhost:6379/0) and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *Redis) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
