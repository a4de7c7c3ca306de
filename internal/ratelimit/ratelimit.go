// Package ratelimit implements the per-key, per-route admission limiter:
// a KV-backed token bucket by default, with a sliding-window counter as a
// selectable alternative.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

// Algorithm selects the limiting strategy for a key.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
)

// Decision is the tagged outcome of a limiter check.
type Decision struct {
	Allow             bool
	RetryAfterSeconds int
}

type bucketState struct {
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// Limiter checks admission for (apiKeyID, routeID) pairs against a KV
// store. It is best-effort: an occasional lost update under concurrent
// writers is acceptable.
type Limiter struct {
	store kvstore.Store
}

func New(store kvstore.Store) *Limiter {
	return &Limiter{store: store}
}

func bucketKey(apiKeyID, routeID string) string {
	return fmt.Sprintf("ratelimit:bucket:%s:%s", apiKeyID, routeID)
}

func windowKey(apiKeyID, routeID string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:window:%s:%s:%d", apiKeyID, routeID, windowStart)
}

// CheckTokenBucket implements the refill-then-deduct token bucket.
// ratePerSec and burst come from the APIKey record.
func (l *Limiter) CheckTokenBucket(ctx context.Context, apiKeyID, routeID string, ratePerSec float64, burst int) (Decision, error) {
	if ratePerSec <= 0 || burst <= 0 {
		return Decision{Allow: true}, nil
	}

	key := bucketKey(apiKeyID, routeID)
	now := time.Now()

	var st bucketState
	raw, err := l.store.Get(ctx, key)
	switch err {
	case nil:
		if jsonErr := json.Unmarshal(raw, &st); jsonErr != nil {
			st = bucketState{Tokens: float64(burst), LastRefillAt: now}
		}
	case kvstore.ErrNotFound:
		st = bucketState{Tokens: float64(burst), LastRefillAt: now}
	default:
		// Degrade open: a KV failure in the hot path must not block traffic.
		return Decision{Allow: true}, err
	}

	elapsed := now.Sub(st.LastRefillAt).Seconds()
	if elapsed > 0 {
		st.Tokens += elapsed * ratePerSec
		if st.Tokens > float64(burst) {
			st.Tokens = float64(burst)
		}
		st.LastRefillAt = now
	}

	if st.Tokens < 1 {
		retryAfter := int(1/ratePerSec) + 1
		_ = l.store.Set(ctx, key, mustJSON(st), bucketTTL(ratePerSec, burst))
		return Decision{Allow: false, RetryAfterSeconds: retryAfter}, nil
	}

	st.Tokens -= 1
	_ = l.store.Set(ctx, key, mustJSON(st), bucketTTL(ratePerSec, burst))
	return Decision{Allow: true}, nil
}

// bucketTTL keeps an idle bucket around long enough to matter but not
// forever; a bucket that refills in under a minute can expire in a minute.
func bucketTTL(ratePerSec float64, burst int) time.Duration {
	secs := float64(burst) / ratePerSec
	if secs < 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// CheckSlidingWindow implements the fixed-window counter alternative:
// deny when count > rps*windowLen within the current window.
func (l *Limiter) CheckSlidingWindow(ctx context.Context, apiKeyID, routeID string, ratePerSec float64, windowLen time.Duration) (Decision, error) {
	if ratePerSec <= 0 || windowLen <= 0 {
		return Decision{Allow: true}, nil
	}

	now := time.Now().UTC()
	windowStart := now.Truncate(windowLen).Unix()
	key := windowKey(apiKeyID, routeID, windowStart)

	count, err := l.store.Incr(ctx, key, 1)
	if err != nil {
		return Decision{Allow: true}, err
	}
	if count == 1 {
		_ = l.store.Expire(ctx, key, windowLen)
	}

	limit := ratePerSec * windowLen.Seconds()
	if float64(count) > limit {
		windowEnd := time.Unix(windowStart, 0).Add(windowLen)
		retryAfter := int(windowEnd.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allow: false, RetryAfterSeconds: retryAfter}, nil
	}
	return Decision{Allow: true}, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
