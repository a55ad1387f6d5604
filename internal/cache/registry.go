package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Admin is the type-erased administration surface of a Cache.
type Admin interface {
	Name() string
	Stats() Stats
	Clear()
	Cleanup() int
	Invalidate(key string)
	RunJanitor(ctx context.Context, interval time.Duration)
}

// Registry tracks every cache instance in the process.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]Admin
}

func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]Admin)}
}

// Register adds c, replacing any cache with the same name.
func (r *Registry) Register(c Admin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[c.Name()] = c
}

func (r *Registry) Get(name string) (Admin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[name]
	return c, ok
}

// All returns the registered caches ordered by name.
func (r *Registry) All() []Admin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Admin, 0, len(r.caches))
	for _, c := range r.caches {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// RunJanitors starts one cleanup loop per registered cache.
func (r *Registry) RunJanitors(ctx context.Context, interval time.Duration) {
	for _, c := range r.All() {
		go c.RunJanitor(ctx, interval)
	}
}
