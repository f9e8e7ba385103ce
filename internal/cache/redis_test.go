package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore connects to REDIS_ADDR or skips.
func newTestRedisStore(t *testing.T, opts Options) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("iocforge-test:%d:", time.Now().UnixNano())
	store := NewRedisStore(client, prefix, opts)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return store
}

func TestRedisStore_FirstWriteWins(t *testing.T) {
	store := newTestRedisStore(t, Options{})
	ctx := context.Background()

	if _, err := store.Lookup(ctx, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`["first"]`), ComputedAt: time.Now()}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`["second"]`)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rec, err := store.Lookup(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if string(rec.Payload) != `["first"]` {
		t.Errorf("unexpected payload %s", rec.Payload)
	}

	indicators, err := store.Indicators(ctx)
	if err != nil {
		t.Fatalf("Indicators failed: %v", err)
	}
	if len(indicators) != 1 || indicators[0] != "1.2.3.4" {
		t.Errorf("unexpected indicators %v", indicators)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store := newTestRedisStore(t, Options{TTL: time.Minute})
	ctx := context.Background()

	store.Store(ctx, Record{Indicator: "ttl.example", Payload: []byte(`[]`)})

	ttl, err := store.client.TTL(ctx, store.key("ttl.example")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected expiry within a minute, got %v", ttl)
	}
}
