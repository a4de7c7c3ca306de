// Package configcache holds an in-memory snapshot of the gateway's
// configuration objects (tenants, API keys, routes, cache policies),
// refreshed on a timer and invalidated early over the KV store's pub/sub
// topic "config:changed".
package configcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/model"
	"github.com/bankotij/Heliox-Proxy/internal/routing"
	"github.com/bankotij/Heliox-Proxy/internal/store"
)

const invalidationTopic = "config:changed"

// invalidationMessage is the payload carried on invalidationTopic:
// {entity, id}. entity selects how id is interpreted:
//   - "tenant", "api_key", "route", "cache_policy": a mutation to one of
//     the Config Cache's persisted objects; id is informational only,
//     since a snapshot reload rebuilds the whole cache in one pass.
//   - "cache_purge": id is a literal cache key or a glob pattern; every
//     KV key matching it is deleted.
//   - "unblock": id is an api_key_id whose soft-block should be cleared.
type invalidationMessage struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

var validate = validator.New()

// Snapshot is the immutable, atomically-swapped configuration view the
// hot path reads from.
type Snapshot struct {
	Routes   *routing.Table
	Policies map[string]model.CachePolicy
	apiKeys  map[string]model.APIKey // keyed by hashed secret
	tenants  map[string]model.Tenant // keyed by tenant id
}

func (s *Snapshot) APIKeyByHash(hashedSecret string) (model.APIKey, bool) {
	k, ok := s.apiKeys[hashedSecret]
	return k, ok
}

// Cache periodically reloads a Snapshot from the Repository and exposes
// the latest one without blocking readers on the reload.
type Cache struct {
	repo         store.Repository
	kv           kvstore.Store
	refreshEvery time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
	lastErr  error

	// OnUnblock is invoked for an "unblock" invalidation message with the
	// target api_key_id. Wired to abuse.Detector.Unblock by the caller
	// that constructs both; left nil this is a no-op.
	OnUnblock func(ctx context.Context, apiKeyID string)
}

func New(repo store.Repository, kv kvstore.Store, refreshEvery time.Duration) *Cache {
	if refreshEvery <= 0 {
		refreshEvery = 30 * time.Second
	}
	return &Cache{repo: repo, kv: kv, refreshEvery: refreshEvery, snapshot: &Snapshot{
		Routes:   routing.Build(nil),
		Policies: map[string]model.CachePolicy{},
		apiKeys:  map[string]model.APIKey{},
		tenants:  map[string]model.Tenant{},
	}}
}

// Get returns the latest loaded snapshot.
func (c *Cache) Get() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Reload fetches routes from the repository and rebuilds the snapshot.
// API keys are looked up on demand from the repository rather than bulk
// loaded, since the key set can be far larger than the route table; it is
// still exposed on Snapshot so a future bulk-preload path has somewhere
// to land.
func (c *Cache) Reload(ctx context.Context) error {
	loaded, err := c.repo.ListRoutes(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	// Routes and policies come from operator-controlled persisted config, not
	// request input; a malformed row is skipped and logged rather than
	// failing the whole reload.
	routes := make([]model.Route, 0, len(loaded))
	for _, r := range loaded {
		if err := validate.Struct(r); err != nil {
			log.Printf("configcache: skipping invalid route %q: %v", r.ID, err)
			continue
		}
		routes = append(routes, r)
	}

	policies := make(map[string]model.CachePolicy)
	for _, r := range routes {
		if !r.CachingEnabled() {
			continue
		}
		if _, ok := policies[r.PolicyID]; ok {
			continue
		}
		p, err := c.repo.FindCachePolicy(ctx, r.PolicyID)
		if err != nil {
			log.Printf("configcache: load policy %s: %v", r.PolicyID, err)
			continue
		}
		if err := validate.Struct(p); err != nil {
			log.Printf("configcache: skipping invalid cache policy %q: %v", p.ID, err)
			continue
		}
		policies[r.PolicyID] = p
	}

	snapshot := &Snapshot{
		Routes:   routing.Build(routes),
		Policies: policies,
		apiKeys:  map[string]model.APIKey{},
		tenants:  map[string]model.Tenant{},
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the most recent reload attempt succeeded; used
// by the /health endpoint to report the persistence backend's status.
func (c *Cache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr == nil
}

// ResolveAPIKey hashes the opaque secret, checks the current snapshot's
// small hot cache, and falls through to the repository on miss, caching
// the result for subsequent lookups until the next Reload. The returned
// key is only ever active (per APIKey.Active) when its owning tenant is
// also active; a key under a disabled tenant comes back non-active so
// authentication rejects it uniformly.
func (c *Cache) ResolveAPIKey(ctx context.Context, secret string) (model.APIKey, error) {
	hashed := HashSecret(secret)

	c.mu.RLock()
	if k, ok := c.snapshot.apiKeys[hashed]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	k, err := c.repo.FindAPIKeyByHash(ctx, hashed)
	if err != nil {
		return model.APIKey{}, err
	}
	if err := validate.Struct(k); err != nil {
		log.Printf("configcache: invalid api key record %q: %v", k.ID, err)
		return model.APIKey{}, store.ErrNotFound
	}

	if k.Active() {
		tenant, err := c.resolveTenant(ctx, k.TenantID)
		if err != nil || !tenant.IsActive {
			k.Status = model.KeyStatusDisabled
		}
	}

	c.mu.Lock()
	c.snapshot.apiKeys[hashed] = k
	c.mu.Unlock()
	return k, nil
}

// resolveTenant looks up a tenant via the snapshot's hot cache, falling
// through to the repository on miss.
func (c *Cache) resolveTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	c.mu.RLock()
	if t, ok := c.snapshot.tenants[tenantID]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	t, err := c.repo.FindTenant(ctx, tenantID)
	if err != nil {
		return model.Tenant{}, err
	}

	c.mu.Lock()
	c.snapshot.tenants[tenantID] = t
	c.mu.Unlock()
	return t, nil
}

// HashSecret derives the lookup key stored alongside an APIKey row: the
// gateway never persists or compares raw bearer secrets.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Run starts the periodic reload loop and the pub/sub invalidation
// listener. It blocks until ctx is canceled.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Reload(ctx); err != nil {
		log.Printf("configcache: initial load failed: %v", err)
	}

	go c.listenForInvalidation(ctx)

	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				log.Printf("configcache: periodic reload failed: %v", err)
			}
		}
	}
}

func (c *Cache) listenForInvalidation(ctx context.Context) {
	sub, err := c.kv.Sub(ctx, invalidationTopic)
	if err != nil {
		log.Printf("configcache: subscribe to %s failed: %v", invalidationTopic, err)
		return
	}
	defer sub.Close()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		c.handleInvalidation(ctx, msg)
	}
}

// handleInvalidation dispatches one invalidationMessage per its entity:
// a config-object mutation reloads the snapshot, a cache-purge deletes
// the matching KV key(s), and an unblock clears the named key's
// soft-block.
func (c *Cache) handleInvalidation(ctx context.Context, raw string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Pre-existing publishers that send a bare marker string instead
		// of {entity,id} still trigger the old blanket-reload behavior.
		if err := c.Reload(ctx); err != nil {
			log.Printf("configcache: invalidation-triggered reload failed: %v", err)
		}
		return
	}

	switch msg.Entity {
	case "tenant", "api_key", "route", "cache_policy":
		if err := c.Reload(ctx); err != nil {
			log.Printf("configcache: invalidation-triggered reload failed: %v", err)
		}
	case "cache_purge":
		if err := c.purgeCacheKeys(ctx, msg.ID); err != nil {
			log.Printf("configcache: cache purge %q failed: %v", msg.ID, err)
		}
	case "unblock":
		if c.OnUnblock != nil {
			c.OnUnblock(ctx, msg.ID)
		}
	default:
		log.Printf("configcache: ignoring invalidation message with unknown entity %q", msg.Entity)
	}
}

// purgeCacheKeys deletes id itself and, when it contains glob
// metacharacters, every KV key matching it.
func (c *Cache) purgeCacheKeys(ctx context.Context, pattern string) error {
	if pattern == "" {
		return nil
	}
	keys, err := c.kv.Keys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		// Not a glob, or nothing matched: fall back to a literal delete so
		// a purge for an exact, already-expired key is still a no-op
		// rather than an error.
		return c.kv.Del(ctx, pattern)
	}
	for _, key := range keys {
		if err := c.kv.Del(ctx, key); err != nil {
			log.Printf("configcache: purge key %q: %v", key, err)
		}
	}
	return nil
}
