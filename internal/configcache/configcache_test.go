package configcache

import (
	"context"
	"testing"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/model"
	"github.com/bankotij/Heliox-Proxy/internal/store"
)

type fakeRepo struct {
	routes        []model.Route
	policies      map[string]model.CachePolicy
	keys          map[string]model.APIKey // keyed by hashed secret
	inactiveTenants map[string]bool
}

func (f *fakeRepo) FindTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	return model.Tenant{ID: tenantID, IsActive: !f.inactiveTenants[tenantID]}, nil
}
func (f *fakeRepo) FindAPIKeyByHash(ctx context.Context, hashedSecret string) (model.APIKey, error) {
	if k, ok := f.keys[hashedSecret]; ok {
		return k, nil
	}
	return model.APIKey{}, store.ErrNotFound
}
func (f *fakeRepo) ListRoutes(ctx context.Context) ([]model.Route, error) { return f.routes, nil }
func (f *fakeRepo) FindCachePolicy(ctx context.Context, policyID string) (model.CachePolicy, error) {
	if p, ok := f.policies[policyID]; ok {
		return p, nil
	}
	return model.CachePolicy{}, store.ErrNotFound
}
func (f *fakeRepo) RecordBlockedKey(ctx context.Context, rec model.BlockedKeyRecord) error { return nil }
func (f *fakeRepo) ListActiveBlockedKeys(ctx context.Context) ([]model.BlockedKeyRecord, error) {
	return nil, nil
}
func (f *fakeRepo) ClearBlockedKey(ctx context.Context, apiKeyID string) error { return nil }
func (f *fakeRepo) Close() error                                              { return nil }

func TestReload_BuildsRoutesAndPolicies(t *testing.T) {
	repo := &fakeRepo{
		routes: []model.Route{
			{ID: "r1", Name: "r1", PathPattern: "/v1/items/{id}", Methods: map[string]struct{}{"GET": {}}, UpstreamBaseURL: "http://up:8001", PolicyID: "p1", IsActive: true},
		},
		policies: map[string]model.CachePolicy{
			"p1": {ID: "p1", TTLSeconds: 30},
		},
	}
	kv := kvstore.NewFallback()
	c := New(repo, kv, time.Minute)

	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	snap := c.Get()
	route, _, ok := snap.Routes.Match("GET", "/v1/items/7")
	if !ok || route.ID != "r1" {
		t.Fatalf("expected route r1 to match, got ok=%v route=%+v", ok, route)
	}
	if snap.Policies["p1"].TTLSeconds != 30 {
		t.Fatalf("expected policy p1 to be loaded")
	}
}

func TestResolveAPIKey_CachesAfterFirstLookup(t *testing.T) {
	hashed := HashSecret("sk-test")
	repo := &fakeRepo{keys: map[string]model.APIKey{
		hashed: {ID: "key1", TenantID: "t1", HashedSecret: hashed, Status: model.KeyStatusActive},
	}}
	kv := kvstore.NewFallback()
	c := New(repo, kv, time.Minute)

	k, err := c.ResolveAPIKey(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if k.ID != "key1" {
		t.Fatalf("expected key1, got %+v", k)
	}

	delete(repo.keys, hashed)
	k, err = c.ResolveAPIKey(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("second ResolveAPIKey: %v", err)
	}
	if k.ID != "key1" {
		t.Fatalf("expected the second lookup to be served from the cache, got %+v", k)
	}
}

func TestResolveAPIKey_InactiveTenantIsRejected(t *testing.T) {
	hashed := HashSecret("sk-test")
	repo := &fakeRepo{
		keys: map[string]model.APIKey{
			hashed: {ID: "key1", TenantID: "t1", HashedSecret: hashed, Status: model.KeyStatusActive},
		},
		inactiveTenants: map[string]bool{"t1": true},
	}
	kv := kvstore.NewFallback()
	c := New(repo, kv, time.Minute)

	k, err := c.ResolveAPIKey(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if k.Active() {
		t.Fatalf("expected a key owned by an inactive tenant to report inactive, got %+v", k)
	}
}

func TestHandleInvalidation_CachePurgeDeletesMatchingKeys(t *testing.T) {
	kv := kvstore.NewFallback()
	c := New(&fakeRepo{}, kv, time.Hour)
	ctx := context.Background()

	if err := kv.Set(ctx, "cache:abc123", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "cache:abc456", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "cache:zzz999", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c.handleInvalidation(ctx, `{"entity":"cache_purge","id":"cache:abc*"}`)

	if _, err := kv.Get(ctx, "cache:abc123"); err != kvstore.ErrNotFound {
		t.Fatalf("expected cache:abc123 to be purged, got err=%v", err)
	}
	if _, err := kv.Get(ctx, "cache:abc456"); err != kvstore.ErrNotFound {
		t.Fatalf("expected cache:abc456 to be purged, got err=%v", err)
	}
	if _, err := kv.Get(ctx, "cache:zzz999"); err != nil {
		t.Fatalf("expected cache:zzz999 to survive an unrelated purge pattern, got err=%v", err)
	}
}

func TestHandleInvalidation_UnblockInvokesHook(t *testing.T) {
	kv := kvstore.NewFallback()
	c := New(&fakeRepo{}, kv, time.Hour)

	var gotID string
	c.OnUnblock = func(ctx context.Context, apiKeyID string) { gotID = apiKeyID }

	c.handleInvalidation(context.Background(), `{"entity":"unblock","id":"key1"}`)

	if gotID != "key1" {
		t.Fatalf("expected OnUnblock to fire for key1, got %q", gotID)
	}
}

func TestReload_InvalidationTopicTriggersReload(t *testing.T) {
	repo := &fakeRepo{}
	kv := kvstore.NewFallback()
	c := New(repo, kv, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	repo.routes = []model.Route{
		{ID: "new", Name: "new", PathPattern: "/v2/*", Methods: map[string]struct{}{"GET": {}}, UpstreamBaseURL: "http://up:8002", IsActive: true},
	}
	if err := kv.Pub(ctx, invalidationTopic, "changed"); err != nil {
		t.Fatalf("Pub: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, _, ok := c.Get().Routes.Match("GET", "/v2/anything"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected invalidation pub to trigger a reload picking up the new route")
}
