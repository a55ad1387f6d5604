package usecase

import (
	"context"
	"log/slog"

	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

// CacheUsecase administers the registered caches. An empty name selects
// every cache.
type CacheUsecase struct {
	registry *cache.Registry
}

func NewCacheUsecase(registry *cache.Registry) *CacheUsecase {
	return &CacheUsecase{registry: registry}
}

func (uc *CacheUsecase) selectCaches(name string) ([]cache.Admin, error) {
	if name == "" {
		return uc.registry.All(), nil
	}
	c, ok := uc.registry.Get(name)
	if !ok {
		return nil, domain.NotFoundError{Resource: "cache " + name}
	}
	return []cache.Admin{c}, nil
}

func (uc *CacheUsecase) Stats(ctx context.Context, name string) ([]cache.Stats, error) {
	caches, err := uc.selectCaches(name)
	if err != nil {
		return nil, err
	}
	out := make([]cache.Stats, 0, len(caches))
	for _, c := range caches {
		out = append(out, c.Stats())
	}
	return out, nil
}

// Clear empties the selected caches and returns their names.
func (uc *CacheUsecase) Clear(ctx context.Context, name string) ([]string, error) {
	caches, err := uc.selectCaches(name)
	if err != nil {
		return nil, err
	}
	cleared := make([]string, 0, len(caches))
	for _, c := range caches {
		c.Clear()
		cleared = append(cleared, c.Name())
	}
	slog.InfoContext(
		ctx, "caches cleared",
		slog.String("module", "cache"),
		slog.Any("caches", cleared),
	)
	return cleared, nil
}

// Cleanup evicts expired entries and returns the count removed per cache.
func (uc *CacheUsecase) Cleanup(ctx context.Context, name string) (map[string]int, error) {
	caches, err := uc.selectCaches(name)
	if err != nil {
		return nil, err
	}
	removed := make(map[string]int, len(caches))
	for _, c := range caches {
		removed[c.Name()] = c.Cleanup()
	}
	return removed, nil
}
