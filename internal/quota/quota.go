// Package quota implements the daily/monthly request counters.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

// Result reports whether the admitted request pushed a counter over its
// configured quota. Overage is checked post-increment, so a denied
// request still increments the counter; with a limit of N, requests 1..N
// pass and request N+1 is the first denied.
type Result struct {
	Exceeded     bool
	Period       string // "day" or "month"
	RetrySeconds int
}

type Counter struct {
	store kvstore.Store
}

func New(store kvstore.Store) *Counter {
	return &Counter{store: store}
}

// Check increments the day and month counters for apiKeyID and reports the
// first exceeded period, if any. Day/month boundaries use UTC.
func (c *Counter) Check(ctx context.Context, apiKeyID string, dailyLimit, monthlyLimit int64) (Result, error) {
	now := time.Now().UTC()

	dayKey := fmt.Sprintf("quota:day:%s:%s", apiKeyID, now.Format("20060102"))
	dayEnd := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	dayCount, err := c.incrWithExpiry(ctx, dayKey, dayEnd.Sub(now))
	if err != nil {
		return Result{}, err
	}
	if dailyLimit > 0 && dayCount > dailyLimit {
		secs := int(dayEnd.Sub(now).Seconds())
		return Result{Exceeded: true, Period: "day", RetrySeconds: secs}, nil
	}

	monthKey := fmt.Sprintf("quota:mon:%s:%s", apiKeyID, now.Format("200601"))
	monthEnd := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	monCount, err := c.incrWithExpiry(ctx, monthKey, monthEnd.Sub(now))
	if err != nil {
		return Result{}, err
	}
	if monthlyLimit > 0 && monCount > monthlyLimit {
		secs := int(monthEnd.Sub(now).Seconds())
		return Result{Exceeded: true, Period: "month", RetrySeconds: secs}, nil
	}

	return Result{}, nil
}

func (c *Counter) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.store.Incr(ctx, key, 1)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		_ = c.store.Expire(ctx, key, ttl)
	}
	return n, nil
}
