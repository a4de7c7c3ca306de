package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

func TestTokenBucket_MonotonicAllowToDeny(t *testing.T) {
	store := kvstore.NewFallback()
	l := New(store)
	ctx := context.Background()

	var sawDeny bool
	var allowAfterDeny bool
	for i := 0; i < 50; i++ {
		d, err := l.CheckTokenBucket(ctx, "key1", "route1", 10, 20)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allow {
			sawDeny = true
			continue
		}
		if sawDeny {
			allowAfterDeny = true
		}
	}
	if !sawDeny {
		t.Fatalf("expected the burst to eventually exceed the bucket and deny")
	}
	if allowAfterDeny {
		t.Fatalf("expected no allow after the first deny within the same refill period")
	}
}

func TestSlidingWindow_DeniesOverLimit(t *testing.T) {
	store := kvstore.NewFallback()
	l := New(store)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 30; i++ {
		d, err := l.CheckSlidingWindow(ctx, "key1", "route1", 10, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allow {
			allowed++
		} else if d.RetryAfterSeconds < 1 {
			t.Fatalf("expected a positive retry-after on deny")
		}
	}
	if allowed > 10 {
		t.Fatalf("expected at most ~10 allowed in one window, got %d", allowed)
	}
}
