// Package cache persists enrichment results keyed by indicator value.
//
// A record is written once per indicator and served from then on. When two
// writers race on the same indicator the first write wins and the second gets
// ErrConflict.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("enrichment record not found")
	ErrConflict = errors.New("enrichment record already exists")
)

// Record is a persisted enrichment result set.
type Record struct {
	Indicator  string          `json:"indicator"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Store is the enrichment cache contract.
type Store interface {
	// Lookup returns the stored record or ErrNotFound.
	Lookup(ctx context.Context, indicator string) (*Record, error)
	// Store persists rec unless a live record exists, in which case it
	// returns ErrConflict and leaves the existing record untouched.
	Store(ctx context.Context, rec Record) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Indexer is implemented by stores that can enumerate their keys.
type Indexer interface {
	Indicators(ctx context.Context) ([]string, error)
}

// Options shared by the backends.
type Options struct {
	// TTL of a record. Zero keeps records forever.
	TTL time.Duration `yaml:"ttl"`
}

func (o Options) expired(computedAt, now time.Time) bool {
	return o.TTL > 0 && now.Sub(computedAt) >= o.TTL
}
