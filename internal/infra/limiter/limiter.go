// Package limiter counts requests per key in fixed windows.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

// Limiter reports whether one more request for key fits into limit per
// window. Each call counts as a request.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// Local keeps counters in process memory.
type Local struct {
	counters *gocache.Cache
	nowFn    func() time.Time
}

func NewLocal() *Local {
	return &Local{
		counters: gocache.New(time.Minute, 5*time.Minute),
		nowFn:    time.Now,
	}
}

func (l *Local) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	k := fmt.Sprintf("%s:%d", key, windowIndex(l.nowFn(), window))

	for {
		if err := l.counters.Add(k, 1, window); err == nil {
			return 1 <= limit, nil
		}
		count, err := l.counters.IncrementInt(k, 1)
		if err == nil {
			return count <= limit, nil
		}
		// expired between Add and IncrementInt; start the window again
	}
}

// memcacheStore is the subset of *memcache.Client the limiter needs.
type memcacheStore interface {
	Increment(key string, delta uint64) (uint64, error)
	Add(item *memcache.Item) error
}

// Memcache shares counters between instances through memcached.
type Memcache struct {
	store memcacheStore
	nowFn func() time.Time
}

func NewMemcache(client *memcache.Client) *Memcache {
	return &Memcache{store: client, nowFn: time.Now}
}

// key hashes the caller key so arbitrary input fits memcached's key rules.
func (m *Memcache) key(key string, window time.Duration) string {
	return fmt.Sprintf("rl:%016x:%d", xxh3.HashString(key), windowIndex(m.nowFn(), window))
}

func (m *Memcache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	k := m.key(key, window)
	expiration := int32(window/time.Second) + 1

	for attempt := 0; attempt < 2; attempt++ {
		count, err := m.store.Increment(k, 1)
		if err == nil {
			return count <= uint64(limit), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return true, errors.Wrap(err, "limiter.Memcache.Allow: increment failed")
		}

		err = m.store.Add(&memcache.Item{Key: k, Value: []byte("1"), Expiration: expiration})
		if err == nil {
			return 1 <= limit, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return true, errors.Wrap(err, "limiter.Memcache.Allow: add failed")
		}
		// another instance created the counter first; increment it
	}
	return true, errors.New("limiter.Memcache.Allow: counter kept disappearing")
}

// Fallback tries primary and falls back to secondary when primary fails.
type Fallback struct {
	primary   Limiter
	secondary Limiter
}

func NewFallback(primary, secondary Limiter) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, err := f.primary.Allow(ctx, key, limit, window)
	if err == nil {
		return ok, nil
	}
	slog.WarnContext(
		ctx, "shared rate limiter failed, using local counters",
		slog.String("module", "limiter"),
		slog.String("error", err.Error()),
	)
	return f.secondary.Allow(ctx, key, limit, window)
}
