// Package service serves enrichment results for an indicator, computing and
// persisting them on first request and replaying the stored copy afterwards.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/observability"
)

// MaxIndicatorLength bounds accepted indicator values.
const MaxIndicatorLength = 2048

// ErrInvalidIndicator is returned for empty or oversized indicators.
var ErrInvalidIndicator = errors.New("invalid indicator")

// Enricher is the orchestrator contract the service depends on.
type Enricher interface {
	Enrich(ctx context.Context, indicator string) []enrichment.Result
}

// Outcome is what a caller receives for one indicator.
type Outcome struct {
	Record cache.Record
	// Cached is true when the record was served from the store without
	// running any analyzer.
	Cached bool
}

// Results decodes the payload.
func (o *Outcome) Results() ([]enrichment.Result, error) {
	var results []enrichment.Result
	if err := json.Unmarshal(o.Record.Payload, &results); err != nil {
		return nil, fmt.Errorf("decoding enrichment payload: %w", err)
	}
	return results, nil
}

// EnrichmentService glues the cache to the orchestrator.
type EnrichmentService struct {
	enricher Enricher
	store    cache.Store
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEnrichmentService creates the service. store may be nil to disable
// caching; logger and metrics may be nil.
func NewEnrichmentService(enricher Enricher, store cache.Store, logger *zap.Logger, metrics *observability.Metrics) *EnrichmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrichmentService{
		enricher: enricher,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// NormalizeIndicator trims surrounding whitespace and validates length.
// The value is otherwise opaque.
func NormalizeIndicator(raw string) (string, error) {
	indicator := strings.TrimSpace(raw)
	if indicator == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidIndicator)
	}
	if len(indicator) > MaxIndicatorLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIndicator, MaxIndicatorLength)
	}
	return indicator, nil
}

// Get returns the enrichment for indicator. Only invalid input produces an
// error; cache trouble degrades to a fresh, unpersisted computation.
func (s *EnrichmentService) Get(ctx context.Context, raw string) (*Outcome, error) {
	indicator, err := NormalizeIndicator(raw)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(observability.IOC(indicator))

	if rec, ok := s.lookup(ctx, log, indicator); ok {
		return &Outcome{Record: *rec, Cached: true}, nil
	}

	results := s.enricher.Enrich(ctx, indicator)
	payload, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encoding enrichment results: %w", err)
	}

	rec := cache.Record{
		Indicator:  indicator,
		Payload:    payload,
		ComputedAt: s.now().UTC(),
	}

	if len(results) == 0 {
		log.Warn("No analyzers produced results; not caching")
		return &Outcome{Record: rec}, nil
	}

	return &Outcome{Record: s.persist(ctx, log, rec)}, nil
}

// Compute runs the analyzers without reading or writing the cache.
func (s *EnrichmentService) Compute(ctx context.Context, raw string) (*Outcome, error) {
	indicator, err := NormalizeIndicator(raw)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(s.enricher.Enrich(ctx, indicator))
	if err != nil {
		return nil, fmt.Errorf("encoding enrichment results: %w", err)
	}
	return &Outcome{Record: cache.Record{
		Indicator:  indicator,
		Payload:    payload,
		ComputedAt: s.now().UTC(),
	}}, nil
}

// Ready reports whether the cache backend is reachable.
func (s *EnrichmentService) Ready(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

func (s *EnrichmentService) lookup(ctx context.Context, log *zap.Logger, indicator string) (*cache.Record, bool) {
	if s.store == nil {
		return nil, false
	}

	rec, err := s.store.Lookup(ctx, indicator)
	switch {
	case err == nil:
		s.metrics.CacheLookup("hit")
		log.Debug("Enrichment cache hit")
		return rec, true
	case errors.Is(err, cache.ErrNotFound):
		s.metrics.CacheLookup("miss")
	default:
		s.metrics.CacheLookup("error")
		log.Warn("Enrichment cache read failed, computing fresh result", zap.Error(err))
	}
	return nil, false
}

// persist stores rec. When another request stored the indicator first, the
// winning record is returned so every caller sees the same payload.
func (s *EnrichmentService) persist(ctx context.Context, log *zap.Logger, rec cache.Record) cache.Record {
	if s.store == nil {
		return rec
	}

	err := s.store.Store(ctx, rec)
	switch {
	case err == nil:
		s.metrics.CacheStore("stored")
		return rec
	case errors.Is(err, cache.ErrConflict):
		s.metrics.CacheStore("conflict")
		winner, lookupErr := s.store.Lookup(ctx, rec.Indicator)
		if lookupErr != nil {
			log.Debug("Lost store race but could not read winner", zap.Error(lookupErr))
			return rec
		}
		log.Debug("Lost store race, serving winning record")
		return *winner
	default:
		s.metrics.CacheStore("error")
		log.Warn("Enrichment cache write failed", zap.Error(err))
		return rec
	}
}
