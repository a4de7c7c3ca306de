// Package kvstore abstracts the binary key/value store the gateway
// coordinates through: TTL, atomic increments, bit ops and pub/sub,
// backed either by a shared Redis instance or an in-process fallback.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// ErrTimeout names an operation that exceeded its bound. The stores in
// this package do not return it: a timed-out call fails with the
// context's own error (context.DeadlineExceeded).
var ErrTimeout = errors.New("kvstore: operation timed out")

// Subscription is a live pub/sub stream returned by Sub.
type Subscription interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) (string, error)
	Close() error
}

// Store is the KV adapter contract. Every call must honor ctx's
// deadline; callers never retry a timed-out call themselves, they degrade.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	DelIfEqual(ctx context.Context, key string, val []byte) (bool, error)
	Pub(ctx context.Context, topic string, msg string) error
	Sub(ctx context.Context, topic string) (Subscription, error)
	BitsSet(ctx context.Context, key string, positions []uint32) error
	BitsGet(ctx context.Context, key string, positions []uint32) (allSet bool, err error)

	// Keys returns every stored key matching a shell-style glob pattern,
	// backing admin cache purges.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping probes backend reachability at startup.
	Ping(ctx context.Context) error
	// Name identifies the backend for health reporting ("shared" or "fallback").
	Name() string
}

// DefaultOpTimeout bounds every KV operation issued by the request hot
// path; no single op may hold the path longer than this.
const DefaultOpTimeout = 250 * time.Millisecond

// WithOpTimeout returns a context bounded by DefaultOpTimeout, unless the
// parent context already carries a tighter deadline.
func WithOpTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultOpTimeout)
}
