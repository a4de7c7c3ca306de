package quota

import (
	"context"
	"testing"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

func TestCheck_DailyQuotaExceeded(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.Check(ctx, "key1", 3, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Exceeded {
			t.Fatalf("quota should not exceed before the 4th request, iter=%d", i)
		}
	}
	res, err := c.Check(ctx, "key1", 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Exceeded || res.Period != "day" {
		t.Fatalf("expected day quota to exceed on the 4th request, got %+v", res)
	}
}

func TestCheck_UnlimitedWhenZero(t *testing.T) {
	store := kvstore.NewFallback()
	c := New(store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := c.Check(ctx, "key1", 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Exceeded {
			t.Fatalf("quota of 0 should mean unlimited")
		}
	}
}
