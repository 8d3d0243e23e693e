package presence

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const testKey = "test_online_users"

// newTestRegistry creates a Registry connected to a local Redis instance on
// test keys. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Del(ctx, testKey, testKey+":since")
	t.Cleanup(func() {
		client.Del(ctx, testKey, testKey+":since")
		client.Close()
	})
	return NewRegistry(client, Config{Key: testKey, Timeout: time.Second})
}

func TestMarkOnlineIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.MarkOnline(ctx, "alice"); err != nil {
			t.Fatalf("MarkOnline() error: %v", err)
		}
	}

	online, err := r.ListOnline(ctx)
	if err != nil {
		t.Fatalf("ListOnline() error: %v", err)
	}
	if len(online) != 1 || online[0] != "alice" {
		t.Errorf("expected [alice], got %v", online)
	}
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.MarkOnline(ctx, "alice")
	for i := 0; i < 2; i++ {
		if err := r.MarkOffline(ctx, "alice"); err != nil {
			t.Fatalf("MarkOffline() error: %v", err)
		}
	}
	if err := r.MarkOffline(ctx, "never-seen"); err != nil {
		t.Fatalf("MarkOffline() on absent identity: %v", err)
	}

	online, _ := r.IsOnline(ctx, "alice")
	if online {
		t.Error("expected alice offline")
	}
}

func TestEntriesKeepFirstSince(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.MarkOnline(ctx, "alice")
	r.MarkOnline(ctx, "bob")
	first, err := r.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	r.MarkOnline(ctx, "alice")
	second, _ := r.Entries(ctx)

	sort.Slice(first, func(i, j int) bool { return first[i].Identity < first[j].Identity })
	sort.Slice(second, func(i, j int) bool { return second[i].Identity < second[j].Identity })

	if len(first) != 2 || first[0].Identity != "alice" || first[1].Identity != "bob" {
		t.Fatalf("unexpected entries: %+v", first)
	}
	if first[0].Since.IsZero() {
		t.Error("expected since to be set")
	}
	if !first[0].Since.Equal(second[0].Since) {
		t.Errorf("re-marking changed since: %v -> %v", first[0].Since, second[0].Since)
	}
}

func TestUnavailableRegistry(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	r := NewRegistry(client, Config{Key: testKey, Timeout: 200 * time.Millisecond})

	if err := r.MarkOnline(context.Background(), "alice"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("expected ErrRegistryUnavailable, got %v", err)
	}
	if _, err := r.ListOnline(context.Background()); !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("expected ErrRegistryUnavailable, got %v", err)
	}
	if err := r.Check(context.Background()); !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("expected ErrRegistryUnavailable from Check, got %v", err)
	}
}
