package kvstore

import (
	"context"
	"time"
)

// boundedStore caps every unary operation at DefaultOpTimeout so a slow
// shared backend can never hold the request path hostage; an exceeded op
// is a soft failure and the caller degrades. Sub passes
// through unbounded: a subscription is a long-lived stream whose waits are
// bounded by the caller's own context.
type boundedStore struct {
	inner Store
}

// WithTimeouts wraps s so each unary call carries the hot-path deadline.
func WithTimeouts(s Store) Store {
	return &boundedStore{inner: s}
}

func (b *boundedStore) Name() string { return b.inner.Name() }

func (b *boundedStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Get(ctx, key)
}

func (b *boundedStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Set(ctx, key, val, ttl)
}

func (b *boundedStore) Del(ctx context.Context, key string) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Del(ctx, key)
}

func (b *boundedStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Incr(ctx, key, delta)
}

func (b *boundedStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Expire(ctx, key, ttl)
}

func (b *boundedStore) SetIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.SetIfAbsent(ctx, key, val, ttl)
}

func (b *boundedStore) DelIfEqual(ctx context.Context, key string, val []byte) (bool, error) {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.DelIfEqual(ctx, key, val)
}

func (b *boundedStore) Pub(ctx context.Context, topic string, msg string) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Pub(ctx, topic, msg)
}

func (b *boundedStore) Sub(ctx context.Context, topic string) (Subscription, error) {
	return b.inner.Sub(ctx, topic)
}

func (b *boundedStore) BitsSet(ctx context.Context, key string, positions []uint32) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.BitsSet(ctx, key, positions)
}

func (b *boundedStore) BitsGet(ctx context.Context, key string, positions []uint32) (bool, error) {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.BitsGet(ctx, key, positions)
}

// Keys is not hot-path (it backs admin cache purges, which may scan a
// large keyspace), so it keeps the caller's own deadline.
func (b *boundedStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return b.inner.Keys(ctx, pattern)
}

func (b *boundedStore) Ping(ctx context.Context) error {
	ctx, cancel := WithOpTimeout(ctx)
	defer cancel()
	return b.inner.Ping(ctx)
}
