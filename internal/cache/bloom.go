package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomStore fronts another store with a bloom filter of stored indicators so
// first-time lookups skip the backend read. False positives fall through to
// the backend; there are no false negatives once the filter is warmed.
type BloomStore struct {
	next   Store
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBloomStore sizes a filter for capacity indicators at the given false
// positive rate.
func NewBloomStore(next Store, capacity uint, fpRate float64) *BloomStore {
	if capacity == 0 {
		capacity = 100000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &BloomStore{
		next:   next,
		filter: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Warm loads every indicator already in the backend. The backend must
// implement Indexer.
func (s *BloomStore) Warm(ctx context.Context) (int, error) {
	indexer, ok := s.next.(Indexer)
	if !ok {
		return 0, fmt.Errorf("cache backend %T cannot list indicators", s.next)
	}
	indicators, err := indexer.Indicators(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, indicator := range indicators {
		s.filter.AddString(indicator)
	}
	return len(indicators), nil
}

func (s *BloomStore) mayContain(indicator string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.TestString(indicator)
}

func (s *BloomStore) add(indicator string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.AddString(indicator)
}

// Lookup answers ErrNotFound without touching the backend for indicators the
// filter has never seen.
func (s *BloomStore) Lookup(ctx context.Context, indicator string) (*Record, error) {
	if !s.mayContain(indicator) {
		return nil, ErrNotFound
	}
	return s.next.Lookup(ctx, indicator)
}

// Store writes through and records the indicator on success or conflict.
func (s *BloomStore) Store(ctx context.Context, rec Record) error {
	err := s.next.Store(ctx, rec)
	if err == nil || errors.Is(err, ErrConflict) {
		s.add(rec.Indicator)
	}
	return err
}

// Ping checks the backend.
func (s *BloomStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

// Close closes the backend.
func (s *BloomStore) Close() error {
	return s.next.Close()
}

var _ Store = (*BloomStore)(nil)
