package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/model"
)

func testPolicy() model.CachePolicy {
	return model.CachePolicy{TTLSeconds: 1, StaleSeconds: 5}
}

func TestGetOrFetch_MissThenHit(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store, nil)
	ctx := context.Background()

	var calls int32
	fetch := func(ctx context.Context) (model.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		return model.CacheEntry{Status: 200, Body: []byte("ok")}, nil
	}

	_, outcome, err := c.GetOrFetch(ctx, "cache:k1", testPolicy(), fetch, func(context.Context) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != model.CacheMiss {
		t.Fatalf("expected first lookup to report miss-then-fetch, got %v", outcome)
	}

	entry, outcome, err := c.GetOrFetch(ctx, "cache:k1", testPolicy(), fetch, func(context.Context) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != model.CacheHit || string(entry.Body) != "ok" {
		t.Fatalf("expected second lookup to hit the stored entry, got outcome=%v body=%q", outcome, entry.Body)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one fetch call, got %d", calls)
	}
}

func TestGetOrFetch_ConcurrentMissCallsFetchOnce(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store, nil)
	ctx := context.Background()

	var calls int32
	block := make(chan struct{})
	fetch := func(ctx context.Context) (model.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		<-block
		return model.CacheEntry{Status: 200, Body: []byte("coalesced")}, nil
	}

	var wg sync.WaitGroup
	results := make([]model.CacheEntry, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			entry, _, err := c.GetOrFetch(ctx, "cache:k2", testPolicy(), fetch, func(context.Context) {})
			if err == nil {
				results[idx] = entry
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single-flight to call fetch exactly once under concurrency, got %d", calls)
	}
}

func TestGetOrFetch_StaleHitTriggersOneRevalidation(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store, nil)
	ctx := context.Background()

	if err := c.Put(ctx, "cache:k3", model.CacheEntry{Status: 200, Body: []byte("v1")}, model.CachePolicy{TTLSeconds: 0, StaleSeconds: 5}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var revalidations int32
	var wg sync.WaitGroup
	revalidate := func(context.Context) {
		atomic.AddInt32(&revalidations, 1)
	}
	fetch := func(ctx context.Context) (model.CacheEntry, error) {
		return model.CacheEntry{}, errors.New("should not be called on a stale hit")
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, outcome, err := c.GetOrFetch(ctx, "cache:k3", testPolicy(), fetch, revalidate)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if outcome != model.CacheStale || string(entry.Body) != "v1" {
				t.Errorf("expected stale hit with old body, got outcome=%v body=%q", outcome, entry.Body)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(200 * time.Millisecond)
	for atomic.LoadInt32(&revalidations) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&revalidations) != 1 {
		t.Fatalf("expected exactly one revalidation to be scheduled, got %d", revalidations)
	}
}

func TestGetOrFetch_SkipCachePreservesEntry(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store, nil)
	ctx := context.Background()

	fetch := func(ctx context.Context) (model.CacheEntry, error) {
		return model.CacheEntry{Status: 404, Body: []byte("not found")}, ErrSkipCache
	}

	entry, outcome, err := c.GetOrFetch(ctx, "cache:k5", testPolicy(), fetch, func(context.Context) {})
	if err != ErrSkipCache {
		t.Fatalf("expected ErrSkipCache, got %v", err)
	}
	if entry.Status != 404 || string(entry.Body) != "not found" {
		t.Fatalf("expected the fetched entry to survive the skip-cache path, got %+v", entry)
	}
	if outcome != model.CacheMiss {
		t.Fatalf("expected miss outcome, got %v", outcome)
	}

	if _, lookupOutcome, _ := c.Lookup(ctx, "cache:k5"); lookupOutcome != model.CacheMiss {
		t.Fatalf("expected nothing stored for a skip-cache response, got %v", lookupOutcome)
	}
}

func TestNegativeHint_MarkAndCheck(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store, nil)
	ctx := context.Background()

	_, hinted, err := c.NegativeHint(ctx, "cache:k4")
	if err != nil {
		t.Fatalf("NegativeHint: %v", err)
	}
	if hinted {
		t.Fatalf("expected no negative hint before MarkNegative")
	}

	negEntry := model.CacheEntry{Status: 404, Body: []byte(`{"error":"not found"}`)}
	if err := c.MarkNegative(ctx, "cache:k4", negEntry, time.Minute); err != nil {
		t.Fatalf("MarkNegative: %v", err)
	}

	entry, hinted, err := c.NegativeHint(ctx, "cache:k4")
	if err != nil {
		t.Fatalf("NegativeHint: %v", err)
	}
	if !hinted {
		t.Fatalf("expected a negative hint after MarkNegative")
	}
	if entry.Status != 404 || string(entry.Body) != `{"error":"not found"}` {
		t.Fatalf("expected the stored negative entry to replay its real status/body, got %+v", entry)
	}
}
