// Package cache provides named, expiring in-process caches with hit/miss
// accounting on top of go-cache.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	AffiliatesCache = "affiliates"
	MetricsCache    = "metrics"
	HealthCache     = "health"
	ProbesCache     = "probes"
)

const (
	MetricsKey       = "metrics:all"
	HealthKey        = "health:status"
	UpstreamProbeKey = "upstream:probe"
)

// AffiliateKey is the cache key of a single affiliate record.
func AffiliateKey(affiliateID string) string {
	return "affiliate:" + affiliateID
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Name         string `json:"name"`
	TotalItems   int    `json:"total_items"`
	ExpiredItems int    `json:"expired_items"`
	ActiveItems  int    `json:"active_items"`
	HitCount     uint64 `json:"hit_count"`
	MissCount    uint64 `json:"miss_count"`
}

// Cache maps string keys to values of type V with per-entry expiry.
//
// go-cache hides expired items from Get but keeps them until DeleteExpired
// runs; the mutex makes the read-then-evict in Get and the counting in
// Cleanup and Stats atomic with respect to Put.
//
// Every Invalidate and Clear advances a generation; a reader that loaded a
// value from the backing store fills the cache with PutIfUnchanged so a
// value read before an invalidation is never cached after it.
type Cache[V any] struct {
	name       string
	defaultTTL time.Duration
	mu         sync.Mutex
	items      *gocache.Cache
	hits       atomic.Uint64
	misses     atomic.Uint64
	seq        uint64
	cleared    uint64
	gens       map[string]uint64
}

// New creates a cache. No background janitor is started; see RunJanitor.
func New[V any](name string, defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		name:       name,
		defaultTTL: defaultTTL,
		items:      gocache.New(defaultTTL, 0),
		gens:       map[string]uint64{},
	}
}

func (c *Cache[V]) Name() string {
	return c.name
}

// Put stores value under key, replacing any previous entry. A non-positive
// ttl uses the cache default.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Set(key, value, ttl)
}

// Generation returns the invalidation generation of key. Pass it to
// PutIfUnchanged after loading the value from the backing store.
func (c *Cache[V]) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation(key)
}

func (c *Cache[V]) generation(key string) uint64 {
	if g := c.gens[key]; g > c.cleared {
		return g
	}
	return c.cleared
}

// PutIfUnchanged stores value only if key has not been invalidated or
// cleared since gen was taken, and reports whether it did.
func (c *Cache[V]) PutIfUnchanged(key string, value V, ttl time.Duration, gen uint64) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation(key) != gen {
		return false
	}
	c.items.Set(key, value, ttl)
	return true
}

// Get returns the live value for key. Expired entries count as misses and
// are evicted on the spot.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	x, expiresAt, found := c.items.GetWithExpiration(key)
	if !found {
		// go-cache reports expired entries as absent without removing them.
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}
	if !expiresAt.IsZero() && !time.Now().Before(expiresAt) {
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}

	v, ok := x.(V)
	if !ok {
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return v, true
}

// Invalidate removes key regardless of its expiry.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(key)
	c.seq++
	c.gens[key] = c.seq
}

// Clear drops every entry. Hit and miss counters are cumulative and kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Flush()
	c.seq++
	c.cleared = c.seq
	c.gens = map[string]uint64{}
}

// Cleanup evicts expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.items.ItemCount()
	c.items.DeleteExpired()
	removed := before - c.items.ItemCount()
	if removed > 0 {
		slog.Debug(
			"cache cleanup",
			slog.String("module", "cache"),
			slog.String("cache", c.name),
			slog.Int("removed", removed),
		)
	}
	return removed
}

// Stats reports entry counts and cumulative counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.items.ItemCount()
	active := len(c.items.Items())
	return Stats{
		Name:         c.name,
		TotalItems:   total,
		ExpiredItems: total - active,
		ActiveItems:  active,
		HitCount:     c.hits.Load(),
		MissCount:    c.misses.Load(),
	}
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (c *Cache[V]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
