package tenant

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func memOpener(t *testing.T, opens *atomic.Int32) Opener {
	t.Helper()
	return func(ctx context.Context, tenantID string) (*sql.DB, string, error) {
		if opens != nil {
			opens.Add(1)
		}
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, "", err
		}
		return db, "sqlite", nil
	}
}

func TestResolveCachesConnection(t *testing.T) {
	var opens atomic.Int32
	r := NewRouter(NewRegistry(), memOpener(t, &opens), nil)
	defer r.CloseAll()

	a, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	b, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached connection")
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("opened %d times, want 1", got)
	}
}

func TestResolveConcurrentSingleDial(t *testing.T) {
	var opens atomic.Int32
	r := NewRouter(NewRegistry(), func(ctx context.Context, tenantID string) (*sql.DB, string, error) {
		opens.Add(1)
		time.Sleep(50 * time.Millisecond)
		db, err := sql.Open("sqlite", ":memory:")
		return db, "sqlite", err
	}, nil)
	defer r.CloseAll()

	var wg sync.WaitGroup
	conns := make([]*Conn, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Resolve(context.Background(), "acme")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Fatalf("opened %d times, want 1", got)
	}
	for i := 1; i < len(conns); i++ {
		if conns[i] != conns[0] {
			t.Fatalf("goroutine %d got a different connection", i)
		}
	}
}

func TestResolveFailureNotCached(t *testing.T) {
	var opens atomic.Int32
	boom := errors.New("dial refused")
	open := func(ctx context.Context, tenantID string) (*sql.DB, string, error) {
		if opens.Add(1) == 1 {
			return nil, "", boom
		}
		db, err := sql.Open("sqlite", ":memory:")
		return db, "sqlite", err
	}
	r := NewRouter(NewRegistry(), open, nil)
	defer r.CloseAll()

	_, err := r.Resolve(context.Background(), "acme")
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConnectionError, got %v", err)
	}
	if ce.Tenant != "acme" || !errors.Is(err, boom) {
		t.Fatalf("error not wrapping cause: %v", err)
	}

	// A failed attempt must not poison the cache.
	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got := opens.Load(); got != 2 {
		t.Fatalf("opened %d times, want 2", got)
	}
}

func TestEvictIdleSkipsInFlight(t *testing.T) {
	r := NewRouter(NewRegistry(), memOpener(t, nil), nil)
	defer r.CloseAll()

	busy, _ := r.Resolve(context.Background(), "busy")
	idle, _ := r.Resolve(context.Background(), "idle")

	busy.Acquire()
	defer busy.Release()

	// Backdate both so they look stale.
	for _, c := range []*Conn{busy, idle} {
		c.mu.Lock()
		c.lastUsed = time.Now().Add(-time.Hour)
		c.mu.Unlock()
	}

	evicted := r.EvictIdle(30 * time.Minute)
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("evicted = %v, want [idle]", evicted)
	}
	if busy.State() != StateReady {
		t.Fatal("in-flight connection was closed")
	}
	if idle.State() != StateClosed {
		t.Fatal("idle connection not closed")
	}
	if r.registry.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", r.registry.Len())
	}
}

func TestEvictReopens(t *testing.T) {
	var opens atomic.Int32
	r := NewRouter(NewRegistry(), memOpener(t, &opens), nil)
	defer r.CloseAll()

	first, _ := r.Resolve(context.Background(), "acme")
	if !r.Evict("acme") {
		t.Fatal("evict reported no connection")
	}
	if first.State() != StateClosed {
		t.Fatal("evicted connection not closed")
	}
	second, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("resolve after evict: %v", err)
	}
	if second == first {
		t.Fatal("eviction did not drop the cache entry")
	}
	if got := opens.Load(); got != 2 {
		t.Fatalf("opened %d times, want 2", got)
	}
}
