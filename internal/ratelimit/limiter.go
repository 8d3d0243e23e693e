// Package ratelimit provides Redis-backed fixed-window rate limiting. It
// throttles chat sends per identity and WebSocket connection attempts per
// remote IP.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatter/relay/internal/metrics"
)

// Rule defines a rate limiting policy: a name for metrics, the Redis key
// prefix, the maximum number of requests allowed in the window, and the
// window duration.
type Rule struct {
	Name   string
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rate limiting rules.
var (
	// RuleSend allows 10 chat messages per 10 seconds per identity.
	RuleSend = Rule{Name: "send", Key: "rl:send:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// With returns a copy of r with a different limit and window. Non-positive
// values keep the current setting.
func (r Rule) With(limit int, window time.Duration) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier against rule and reports whether
// it is within the limit. The counter and its expiry are set in one
// transaction, and EXPIRE NX keeps the window anchored at the first request.
//
// On Redis errors Allow fails open: it returns true together with the error
// so an outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if incr.Val() > int64(rule.Limit) {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return false, nil
	}
	return true, nil
}

// Remaining returns how many requests identifier has left in the current
// window, or the full limit when no window is open. On Redis errors it
// returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

// RetryAfter returns how long until the identifier's current window resets.
// It returns zero when no window is open or Redis cannot be reached.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds, at least one.
func (l *Limiter) RetryAfterSeconds(ctx context.Context, identifier string, rule Rule) int {
	ttl := l.RetryAfter(ctx, identifier, rule)
	return max(int((ttl+time.Second-1)/time.Second), 1)
}
