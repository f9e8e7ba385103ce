package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values under <prefix>enrichment:<indicator>.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

// NewRedisStore creates a store on an existing client. prefix defaults to
// "iocforge:".
func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "iocforge:"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts}
}

func (s *RedisStore) key(indicator string) string {
	return s.prefix + "enrichment:" + indicator
}

// Lookup returns the record for indicator. Expiry is left to Redis.
func (s *RedisStore) Lookup(ctx context.Context, indicator string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(indicator)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cached record: %w", err)
	}
	return &rec, nil
}

// Store writes rec with SET NX so only the first writer succeeds.
func (s *RedisStore) Store(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.Indicator), data, s.opts.TTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Indicators scans the keyspace for stored indicators.
func (s *RedisStore) Indicators(ctx context.Context) ([]string, error) {
	keyPrefix := s.key("")
	var indicators []string

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		indicators = append(indicators, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return indicators, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Indexer = (*RedisStore)(nil)
)
