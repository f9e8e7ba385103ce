package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLStore(t *testing.T, opts Options) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), opts)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// SQL Store Tests
// =============================================================================

// TestSQLStore_LookupMiss verifies absent indicators report ErrNotFound.
func TestSQLStore_LookupMiss(t *testing.T) {
	store := newTestSQLStore(t, Options{})

	_, err := store.Lookup(context.Background(), "1.2.3.4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestSQLStore_RoundTrip verifies payload bytes come back unchanged.
func TestSQLStore_RoundTrip(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	ctx := context.Background()
	payload := []byte(`[{"source":"A","summary":"90% confidence","full":{"score":90},"error":null}]`)

	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: payload}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	rec, err := store.Lookup(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if string(rec.Payload) != string(payload) {
		t.Errorf("payload changed:\n got  %s\n want %s", rec.Payload, payload)
	}
	if rec.ComputedAt.IsZero() {
		t.Error("computed_at should be set")
	}
}

// TestSQLStore_FirstWriteWins verifies a second write conflicts and is dropped.
func TestSQLStore_FirstWriteWins(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	ctx := context.Background()

	if err := store.Store(ctx, Record{Indicator: "evil.example", Payload: []byte(`["first"]`)}); err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	err := store.Store(ctx, Record{Indicator: "evil.example", Payload: []byte(`["second"]`)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rec, _ := store.Lookup(ctx, "evil.example")
	if string(rec.Payload) != `["first"]` {
		t.Errorf("existing record was overwritten: %s", rec.Payload)
	}
}

// TestSQLStore_Isolation verifies records never leak across indicators.
func TestSQLStore_Isolation(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	ctx := context.Background()

	store.Store(ctx, Record{Indicator: "A", Payload: []byte(`["a"]`)})
	store.Store(ctx, Record{Indicator: "B", Payload: []byte(`["b"]`)})

	rec, err := store.Lookup(ctx, "A")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec.Indicator != "A" || string(rec.Payload) != `["a"]` {
		t.Errorf("lookup for A returned %+v", rec)
	}
	if _, err := store.Lookup(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("indicators are exact keys; expected miss for %q, got %v", "a", err)
	}
}

// TestSQLStore_ConcurrentFirstWrite verifies exactly one racing writer wins.
func TestSQLStore_ConcurrentFirstWrite(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Store(ctx, Record{Indicator: "race.example", Payload: []byte(`[]`)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}

	indicators, err := store.Indicators(ctx)
	if err != nil {
		t.Fatalf("Indicators failed: %v", err)
	}
	if len(indicators) != 1 {
		t.Errorf("expected one persisted record, got %v", indicators)
	}
}

// TestSQLStore_TTL verifies expired records are hidden and replaceable.
func TestSQLStore_TTL(t *testing.T) {
	store := newTestSQLStore(t, Options{TTL: time.Hour})
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`["old"]`)}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`["early"]`)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("live record should conflict, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Lookup(ctx, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be hidden, got %v", err)
	}
	if err := store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`["new"]`)}); err != nil {
		t.Fatalf("expired record should be replaceable, got %v", err)
	}

	rec, err := store.Lookup(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if string(rec.Payload) != `["new"]` {
		t.Errorf("expected refreshed payload, got %s", rec.Payload)
	}
}

// TestSQLStore_NoTTLNeverExpires verifies the default keeps records forever.
func TestSQLStore_NoTTLNeverExpires(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	ctx := context.Background()

	old := time.Now().Add(-5 * 365 * 24 * time.Hour)
	store.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`[]`), ComputedAt: old})

	if _, err := store.Lookup(ctx, "1.2.3.4"); err != nil {
		t.Errorf("record should still be served, got %v", err)
	}
}

// TestSQLStore_Ping verifies readiness checks.
func TestSQLStore_Ping(t *testing.T) {
	store := newTestSQLStore(t, Options{})
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

// TestOpenSQLite_EmptyPath verifies a path is required.
func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite("", Options{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestSQLStore_SharedFile verifies a record written through one handle is
// visible through another handle on the same database file.
func TestSQLStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	open := func() *SQLStore {
		store, err := OpenSQLite(path, Options{})
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	}
	server, cli := open(), open()
	ctx := context.Background()

	if _, err := server.Lookup(ctx, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any write, got %v", err)
	}
	if err := cli.Store(ctx, Record{Indicator: "1.2.3.4", Payload: []byte(`[{"source":"A"}]`)}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	rec, err := server.Lookup(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("record stored by the other handle not found: %v", err)
	}
	if string(rec.Payload) != `[{"source":"A"}]` {
		t.Errorf("unexpected payload %s", rec.Payload)
	}
}
