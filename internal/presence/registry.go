// Package presence maintains the cluster-wide set of online identities in
// Redis. Every relay instance reads and writes the same set, so membership is
// shared across processes and survives instance restarts.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineKey is the Redis set holding online identities.
	OnlineKey = "online_users"

	// DefaultTimeout bounds every registry call.
	DefaultTimeout = 2 * time.Second
)

// ErrRegistryUnavailable is returned when Redis cannot be reached or does not
// answer within the configured timeout.
var ErrRegistryUnavailable = errors.New("presence: registry unavailable")

// Entry is one online identity and the time it first came online.
type Entry struct {
	Identity string    `json:"identity"`
	Since    time.Time `json:"since"`
}

// Config controls the registry keys and call timeout.
type Config struct {
	Key     string
	Timeout time.Duration
}

// DefaultConfig returns the production registry configuration.
func DefaultConfig() Config {
	return Config{Key: OnlineKey, Timeout: DefaultTimeout}
}

// Registry manages presence state in Redis. Membership lives in the set at
// Key, and the online-since timestamp in the companion hash Key+":since".
type Registry struct {
	client   *redis.Client
	key      string
	sinceKey string
	timeout  time.Duration
}

// Connect creates a Redis client for addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRegistry creates a registry on an existing Redis client.
func NewRegistry(client *redis.Client, cfg Config) *Registry {
	if cfg.Key == "" {
		cfg.Key = OnlineKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Registry{
		client:   client,
		key:      cfg.Key,
		sinceKey: cfg.Key + ":since",
		timeout:  cfg.Timeout,
	}
}

// Check pings Redis within the registry timeout.
func (r *Registry) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.unavailable("ping", err)
	}
	return nil
}

func (r *Registry) unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRegistryUnavailable, op, err)
}

// MarkOnline adds identity to the online set. Calling it for an identity that
// is already online is a no-op and keeps the original since time.
func (r *Registry) MarkOnline(ctx context.Context, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.key, identity)
	pipe.HSetNX(ctx, r.sinceKey, identity, time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable("mark online", err)
	}
	return nil
}

// MarkOffline removes identity from the online set. Removing an absent
// identity is not an error.
func (r *Registry) MarkOffline(ctx context.Context, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.key, identity)
	pipe.HDel(ctx, r.sinceKey, identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable("mark offline", err)
	}
	return nil
}

// ListOnline returns a snapshot of the online identities in no particular
// order.
func (r *Registry) ListOnline(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, r.unavailable("list online", err)
	}
	return members, nil
}

// IsOnline reports whether identity is currently in the online set.
func (r *Registry) IsOnline(ctx context.Context, identity string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.client.SIsMember(ctx, r.key, identity).Result()
	if err != nil {
		return false, r.unavailable("is online", err)
	}
	return ok, nil
}

// Entries returns every online identity with its since time. Identities whose
// timestamp is missing report the zero time.
func (r *Registry) Entries(ctx context.Context) ([]Entry, error) {
	members, err := r.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []Entry{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	values, err := r.client.HMGet(ctx, r.sinceKey, members...).Result()
	if err != nil {
		return nil, r.unavailable("entries", err)
	}

	entries := make([]Entry, len(members))
	for i, identity := range members {
		entries[i].Identity = identity
		if s, ok := values[i].(string); ok {
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				entries[i].Since = time.Unix(unix, 0).UTC()
			}
		}
	}
	return entries, nil
}
