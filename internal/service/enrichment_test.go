package service

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
)

// countingEnricher returns three results and counts calls.
type countingEnricher struct {
	calls atomic.Int32
	delay time.Duration
	empty bool
}

func (c *countingEnricher) Enrich(ctx context.Context, indicator string) []enrichment.Result {
	n := c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.empty {
		return []enrichment.Result{}
	}
	return []enrichment.Result{
		enrichment.Success("A", "90% confidence", map[string]any{"ioc": indicator, "call": n}),
		enrichment.Failure("B", errors.New("timeout")),
		enrichment.Success("C", "AcmeOrg (US)", map[string]any{"country": "US"}),
	}
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Lookup(ctx context.Context, indicator string) (*cache.Record, error) {
	return nil, errors.New("disk on fire")
}
func (brokenStore) Store(ctx context.Context, rec cache.Record) error {
	return errors.New("disk on fire")
}
func (brokenStore) Ping(ctx context.Context) error { return errors.New("disk on fire") }
func (brokenStore) Close() error                   { return nil }

func newStore(t *testing.T) *cache.SQLStore {
	t.Helper()
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// Service Tests
// =============================================================================

// TestGet_SecondCallServedFromCache verifies byte-equal replay without analyzers.
func TestGet_SecondCallServedFromCache(t *testing.T) {
	enricher := &countingEnricher{}
	svc := NewEnrichmentService(enricher, newStore(t), nil, nil)
	ctx := context.Background()

	first, err := svc.Get(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if first.Cached {
		t.Error("first call should not be a cache hit")
	}

	second, err := svc.Get(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if !second.Cached {
		t.Error("second call should be a cache hit")
	}
	if !bytes.Equal(first.Record.Payload, second.Record.Payload) {
		t.Errorf("payloads differ:\n first  %s\n second %s", first.Record.Payload, second.Record.Payload)
	}
	if n := enricher.calls.Load(); n != 1 {
		t.Errorf("expected one enrichment run, got %d", n)
	}

	results, err := second.Results()
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(results) != 3 || results[1].ErrorText() != "timeout" {
		t.Errorf("unexpected decoded results %+v", results)
	}
}

// TestGet_TrimsIndicator verifies surrounding whitespace maps to the same key.
func TestGet_TrimsIndicator(t *testing.T) {
	enricher := &countingEnricher{}
	svc := NewEnrichmentService(enricher, newStore(t), nil, nil)

	svc.Get(context.Background(), "1.2.3.4")
	out, err := svc.Get(context.Background(), "  1.2.3.4\n")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !out.Cached || out.Record.Indicator != "1.2.3.4" {
		t.Errorf("expected cached record for trimmed indicator, got %+v", out)
	}
}

// TestGet_Isolation verifies A never receives B's record.
func TestGet_Isolation(t *testing.T) {
	svc := NewEnrichmentService(&countingEnricher{}, newStore(t), nil, nil)
	ctx := context.Background()

	a, _ := svc.Get(ctx, "A")
	b, _ := svc.Get(ctx, "B")
	again, _ := svc.Get(ctx, "A")

	if a.Record.Indicator != "A" || b.Record.Indicator != "B" {
		t.Fatalf("records mislabeled: %q %q", a.Record.Indicator, b.Record.Indicator)
	}
	if !strings.Contains(string(again.Record.Payload), `"ioc":"A"`) {
		t.Errorf("A's cached payload is not A's: %s", again.Record.Payload)
	}
	if bytes.Equal(a.Record.Payload, b.Record.Payload) {
		t.Error("distinct indicators should have distinct payloads")
	}
}

// TestGet_ConcurrentFirstRequests verifies both callers get a complete set
// and a single record persists.
func TestGet_ConcurrentFirstRequests(t *testing.T) {
	store := newStore(t)
	svc := NewEnrichmentService(&countingEnricher{delay: 50 * time.Millisecond}, store, nil, nil)

	const callers = 2
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Get(context.Background(), "new.example")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		results, err := outcomes[i].Results()
		if err != nil || len(results) != 3 {
			t.Errorf("caller %d got incomplete results: %v %v", i, results, err)
		}
	}
	if !bytes.Equal(outcomes[0].Record.Payload, outcomes[1].Record.Payload) {
		t.Error("racing callers should both see the winning record")
	}

	indicators, err := store.Indicators(context.Background())
	if err != nil {
		t.Fatalf("Indicators failed: %v", err)
	}
	if len(indicators) != 1 {
		t.Errorf("expected exactly one record, got %v", indicators)
	}
}

// TestGet_InvalidIndicator covers empty and oversized values.
func TestGet_InvalidIndicator(t *testing.T) {
	svc := NewEnrichmentService(&countingEnricher{}, nil, nil, nil)

	for _, raw := range []string{"", "   ", strings.Repeat("a", MaxIndicatorLength+1)} {
		if _, err := svc.Get(context.Background(), raw); !errors.Is(err, ErrInvalidIndicator) {
			t.Errorf("Get(%.10q...) expected ErrInvalidIndicator, got %v", raw, err)
		}
	}
}

// TestGet_EmptyResultsNotCached verifies "no enrichment available" is not pinned.
func TestGet_EmptyResultsNotCached(t *testing.T) {
	enricher := &countingEnricher{empty: true}
	svc := NewEnrichmentService(enricher, newStore(t), nil, nil)

	for i := 0; i < 2; i++ {
		out, err := svc.Get(context.Background(), "1.2.3.4")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(out.Record.Payload) != "[]" {
			t.Errorf("expected empty array, got %s", out.Record.Payload)
		}
	}
	if n := enricher.calls.Load(); n != 2 {
		t.Errorf("empty results should not be cached; got %d runs", n)
	}
}

// TestGet_BrokenStoreDegrades verifies cache failures never fail the call.
func TestGet_BrokenStoreDegrades(t *testing.T) {
	svc := NewEnrichmentService(&countingEnricher{}, brokenStore{}, nil, nil)

	out, err := svc.Get(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Get should degrade, got %v", err)
	}
	if out.Cached {
		t.Error("nothing should be served from a broken store")
	}
	if results, _ := out.Results(); len(results) != 3 {
		t.Errorf("expected full results, got %d", len(results))
	}
	if err := svc.Ready(context.Background()); err == nil {
		t.Error("Ready should surface the backend failure")
	}
}

// TestCompute_BypassesCache verifies Compute neither reads nor writes.
func TestCompute_BypassesCache(t *testing.T) {
	enricher := &countingEnricher{}
	store := newStore(t)
	svc := NewEnrichmentService(enricher, store, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := svc.Compute(context.Background(), "1.2.3.4"); err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
	}
	if n := enricher.calls.Load(); n != 2 {
		t.Errorf("expected two runs, got %d", n)
	}
	if _, err := store.Lookup(context.Background(), "1.2.3.4"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Compute must not persist, got %v", err)
	}
}

// TestGet_ScenarioShape verifies the wire order and fields for the reference scenario.
func TestGet_ScenarioShape(t *testing.T) {
	svc := NewEnrichmentService(&countingEnricher{}, nil, nil, nil)
	out, err := svc.Get(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	want := `[{"source":"A","summary":"90% confidence","full":{"call":1,"ioc":"1.2.3.4"},"error":null},` +
		`{"source":"B","summary":null,"full":{},"error":"timeout"},` +
		`{"source":"C","summary":"AcmeOrg (US)","full":{"country":"US"},"error":null}]`
	if string(out.Record.Payload) != want {
		t.Errorf("unexpected payload:\n got  %s\n want %s", out.Record.Payload, want)
	}
}
