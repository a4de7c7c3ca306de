package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// sharedStore is the networked KV backend: a thin wrapper over a single
// Redis client.
type sharedStore struct {
	rdb *redis.Client
}

// NewShared builds a Store backed by a single Redis instance at addr.
func NewShared(addr, password string, db int) Store {
	return &sharedStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *sharedStore) Name() string { return "shared" }

func (s *sharedStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *sharedStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *sharedStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

func (s *sharedStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *sharedStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

func (s *sharedStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *sharedStore) SetIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, val, ttl).Result()
}

// DelIfEqual releases a lease only if the caller still holds it, avoiding
// dropping another holder's lease after expiry.
func (s *sharedStore) DelIfEqual(ctx context.Context, key string, val []byte) (bool, error) {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`
	res, err := s.rdb.Eval(ctx, script, []string{key}, val).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n > 0, nil
}

func (s *sharedStore) Pub(ctx context.Context, topic string, msg string) error {
	return s.rdb.Publish(ctx, topic, msg).Err()
}

type redisSub struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (r *redisSub) Next(ctx context.Context) (string, error) {
	select {
	case m, ok := <-r.ch:
		if !ok {
			return "", ErrNotFound
		}
		return m.Payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *redisSub) Close() error { return r.ps.Close() }

func (s *sharedStore) Sub(ctx context.Context, topic string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, err
	}
	return &redisSub{ps: ps, ch: ps.Channel()}, nil
}

func (s *sharedStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *sharedStore) BitsSet(ctx context.Context, key string, positions []uint32) error {
	pipe := s.rdb.Pipeline()
	for _, pos := range positions {
		pipe.SetBit(ctx, key, int64(pos), 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *sharedStore) BitsGet(ctx context.Context, key string, positions []uint32) (bool, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, pos := range positions {
		cmds[i] = pipe.GetBit(ctx, key, int64(pos))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, err
	}
	for _, c := range cmds {
		if v, err := c.Result(); err == nil && v == 0 {
			return false, nil
		}
	}
	return true, nil
}
