// Package cache implements the response cache: TTL with
// stale-while-revalidate, negative-cache hinting, and single-flight
// coalescing of concurrent fetches for the same key across instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bankotij/Heliox-Proxy/internal/bloom"
	"github.com/bankotij/Heliox-Proxy/internal/cachekey"
	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/model"
)

// ErrSkipCache lets a Fetcher signal that it successfully retrieved a
// response which must still be returned to the caller but must not be
// stored (e.g. a non-cacheable upstream status). GetOrFetch propagates
// both the entry and this error so the caller can tell the two apart
// from a genuine fetch failure.
var ErrSkipCache = errors.New("cache: fetch succeeded but response is not cacheable")

// leaseTTL bounds how long a single-flight holder may occupy the lock
// before another request is allowed to take over; a stuck fetcher must
// not wedge every waiter indefinitely.
const leaseTTL = 10 * time.Second

// waitPoll is the fallback poll interval used while waiting on a
// completion message, for backends whose Subscription can silently drop
// messages (the in-process fallback's best-effort pub/sub).
const waitPoll = 50 * time.Millisecond

// maxAcquireRetries bounds how many times a waiter re-attempts the
// single-flight acquire after its wait on the current holder times out;
// past that it fetches upstream directly without storing.
const maxAcquireRetries = 3

// Fetcher performs the actual upstream call and returns the response to
// be cached. It is only invoked by the single-flight holder.
type Fetcher func(ctx context.Context) (model.CacheEntry, error)

// Cache wraps the KV store with the cache-entry and single-flight
// protocol. The bloom filter is optional: when set, NegativeHint skips the
// negative-entry KV lookup entirely if Bloom.Check reports DefinitelyNot.
type Cache struct {
	store kvstore.Store
	bloom *bloom.Filter
}

func New(store kvstore.Store, bloomFilter *bloom.Filter) *Cache {
	return &Cache{store: store, bloom: bloomFilter}
}

// Lookup returns the current cache state for key without triggering any
// fetch: Hit (fresh), Stale (past TTL but within the SWR window) or Miss.
func (c *Cache) Lookup(ctx context.Context, key string) (model.CacheEntry, model.CacheOutcome, error) {
	raw, err := c.store.Get(ctx, key)
	if err == kvstore.ErrNotFound {
		return model.CacheEntry{}, model.CacheMiss, nil
	}
	if err != nil {
		return model.CacheEntry{}, model.CacheMiss, err
	}

	var entry model.CacheEntry
	if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil {
		return model.CacheEntry{}, model.CacheMiss, nil
	}

	now := time.Now()
	switch {
	case now.Before(entry.FreshUntil):
		return entry, model.CacheHit, nil
	case now.Before(entry.StaleUntil):
		return entry, model.CacheStale, nil
	default:
		return model.CacheEntry{}, model.CacheMiss, nil
	}
}

// NegativeHint reports whether key was previously marked as a 404/410
// upstream response, returning the stored status/body so the caller can
// replay the real response instead of guessing at one. A DefinitelyNot
// probe from the bloom filter short-circuits the KV round trip; a Maybe
// probe still requires the KV confirmation because the filter has a
// nonzero false-positive rate.
func (c *Cache) NegativeHint(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	if c.bloom != nil {
		probe, err := c.bloom.Check(ctx, key)
		if err == nil && probe == bloom.DefinitelyNot {
			return model.CacheEntry{}, false, nil
		}
	}
	raw, err := c.store.Get(ctx, cachekey.NegativeKey(key))
	if err == kvstore.ErrNotFound {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, err
	}
	var entry model.CacheEntry
	if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil {
		return model.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// MarkNegative records entry, a 404/410 upstream response, as a
// short-TTL negative-cache entry and adds key to the bloom filter.
// Callers must only call this for status codes 404 and 410; any other
// non-cacheable status is a transient condition, not a confirmed absence,
// and must not be remembered.
func (c *Cache) MarkNegative(ctx context.Context, key string, entry model.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if c.bloom != nil {
		_ = c.bloom.Add(ctx, key)
	}
	return c.store.Set(ctx, cachekey.NegativeKey(key), raw, ttl)
}

// Put stores entry under key with the policy's fresh/stale windows, and
// publishes a completion message so any waiters proceed immediately
// instead of polling out their full lease.
func (c *Cache) Put(ctx context.Context, key string, entry model.CacheEntry, policy model.CachePolicy) error {
	now := time.Now()
	entry.StoredAt = now
	entry.FreshUntil = now.Add(time.Duration(policy.TTLSeconds) * time.Second)
	entry.StaleUntil = entry.FreshUntil.Add(time.Duration(policy.StaleSeconds) * time.Second)

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := entry.StaleUntil.Sub(now)
	if ttl <= 0 {
		ttl = time.Duration(policy.TTLSeconds) * time.Second
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		return err
	}
	_ = c.store.Pub(ctx, cachekey.DoneTopic(key), "done")
	return nil
}

// GetOrFetch implements the full cache path: fresh hit returns
// immediately; stale hit triggers one background
// revalidation and returns the stale body to the caller that found it;
// miss elects a single fetcher per key across the fleet and has every
// other concurrent caller wait on its result instead of also calling
// upstream. revalidate is invoked from a separate goroutine and must not
// block the caller.
func (c *Cache) GetOrFetch(ctx context.Context, key string, policy model.CachePolicy, fetch Fetcher, revalidate func(ctx context.Context)) (model.CacheEntry, model.CacheOutcome, error) {
	entry, outcome, err := c.Lookup(ctx, key)
	if err != nil {
		return model.CacheEntry{}, model.CacheMiss, err
	}

	switch outcome {
	case model.CacheHit:
		return entry, outcome, nil
	case model.CacheStale:
		if c.tryAcquireLease(ctx, cachekey.RevalidateKey(key)) {
			go revalidate(context.WithoutCancel(ctx))
		}
		return entry, outcome, nil
	}

	return c.fetchWithSingleFlight(ctx, key, policy, fetch)
}

// fetchWithSingleFlight elects exactly one fetcher per key via a KV
// lease; every other caller waits on the lease holder's completion pub
// and then re-reads the entry the holder wrote. A waiter whose wait times
// out retries the acquire a small number of times before falling through
// to an uncoalesced direct fetch.
func (c *Cache) fetchWithSingleFlight(ctx context.Context, key string, policy model.CachePolicy, fetch Fetcher) (model.CacheEntry, model.CacheOutcome, error) {
	for attempt := 0; attempt <= maxAcquireRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.CacheEntry{}, model.CacheMiss, err
		}
		lockKey := cachekey.LockKey(key)
		holderID := uuid.NewString()

		acquired, err := c.store.SetIfAbsent(ctx, lockKey, []byte(holderID), leaseTTL)
		if err != nil {
			return model.CacheEntry{}, model.CacheMiss, err
		}

		if acquired {
			return c.fetchAndStore(ctx, key, lockKey, holderID, policy, fetch)
		}

		entry, outcome, ok := c.waitForHolder(ctx, key)
		if ok {
			return entry, outcome, nil
		}
		// Wait timed out without a notification: holder likely expired or
		// crashed. Loop to retry the acquire rather than waiting forever.
	}

	// Final failure: fetch upstream directly without storing, uncoalesced.
	entry, err := fetch(ctx)
	if err != nil && err != ErrSkipCache {
		return model.CacheEntry{}, model.CacheMiss, err
	}
	return entry, model.CacheMiss, err
}

// fetchAndStore runs the caller-supplied fetch while holding the
// single-flight lease, stores the result on success, and always releases
// the lease afterward.
func (c *Cache) fetchAndStore(ctx context.Context, key, lockKey, holderID string, policy model.CachePolicy, fetch Fetcher) (model.CacheEntry, model.CacheOutcome, error) {
	defer func() {
		releaseCtx, cancel := kvstore.WithOpTimeout(context.WithoutCancel(ctx))
		defer cancel()
		_, _ = c.store.DelIfEqual(releaseCtx, lockKey, []byte(holderID))
	}()

	entry, err := fetch(ctx)
	if err != nil && err != ErrSkipCache {
		_ = c.store.Pub(ctx, cachekey.DoneTopic(key), "error")
		return model.CacheEntry{}, model.CacheMiss, err
	}
	if err == ErrSkipCache {
		_ = c.store.Pub(ctx, cachekey.DoneTopic(key), "error")
		return entry, model.CacheMiss, ErrSkipCache
	}
	if putErr := c.Put(ctx, key, entry, policy); putErr != nil {
		return entry, model.CacheMiss, putErr
	}
	return entry, model.CacheMiss, nil
}

// waitForHolder blocks until the lease holder publishes completion, then
// re-reads the entry it wrote. The bool return is false when the wait
// deadline passed without ever observing a stored entry, signaling the
// caller should retry the acquire rather than wait forever on a holder
// that may have died.
func (c *Cache) waitForHolder(ctx context.Context, key string) (model.CacheEntry, model.CacheOutcome, bool) {
	sub, err := c.store.Sub(ctx, cachekey.DoneTopic(key))
	if err == nil {
		defer sub.Close()
		// Bound the wait to leaseTTL even when ctx itself carries no
		// deadline, so a holder that dies without ever publishing can't
		// wedge this waiter forever.
		subCtx, cancel := context.WithTimeout(ctx, leaseTTL)
		msg, subErr := sub.Next(subCtx)
		cancel()
		if subErr == nil && msg != "" {
			entry, outcome, lookupErr := c.Lookup(ctx, key)
			if lookupErr == nil && outcome != model.CacheMiss {
				return entry, model.CacheHit, true
			}
		}
	}

	deadline := time.Now().Add(leaseTTL)
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return model.CacheEntry{}, model.CacheMiss, false
		case <-ticker.C:
			entry, outcome, lookupErr := c.Lookup(ctx, key)
			if lookupErr == nil && outcome != model.CacheMiss {
				return entry, model.CacheHit, true
			}
		}
	}
	return model.CacheEntry{}, model.CacheMiss, false
}

// tryAcquireLease is the lighter-weight lease used to dedupe background
// revalidation triggers: many concurrent stale hits should start at most
// one revalidation per key.
func (c *Cache) tryAcquireLease(ctx context.Context, lockKey string) bool {
	acquired, err := c.store.SetIfAbsent(ctx, lockKey, []byte("1"), leaseTTL)
	if err != nil {
		return false
	}
	return acquired
}
