// Package ratelimit implements fixed-window request limiting backed by
// Redis. The /v1/init endpoint is the primary consumer: bootstrap
// creates rows across several tables, so unauthenticated callers are
// throttled per client IP.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter and sets its expiry in one
// atomic step, closing the race between INCR and EXPIRE.
var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Limiter checks request counts against a fixed window. The window
// starts at the first request and allows bursts of up to 2x the limit
// across a boundary, which is acceptable for bootstrap traffic.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// New creates a limiter with the given key prefix (e.g. "ratelimit:init").
func New(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow checks whether the client identified by key may proceed.
// It returns (true, 0, nil) when under the limit, or (false, retryAfter,
// nil) when over it. A Redis failure is returned as an error so callers
// can fail closed.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	fullKey := fmt.Sprintf("%s:%s", l.prefix, key)

	current, err := incrScript.Run(ctx, l.client, []string{fullKey}, int(l.window.Seconds())).Int()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if current <= l.limit {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, fullKey).Result()
	if err != nil || ttl < 0 {
		// A key without expiry should not survive the Lua script; drop
		// it and report a full window.
		l.client.Del(ctx, fullKey)
		ttl = l.window
	}
	return false, ttl, nil
}

// ClientIP extracts the remote address of a request for limiter keys.
// The TCP peer address is used rather than X-Forwarded-For, which is
// spoofable without a trusted proxy in front.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}
