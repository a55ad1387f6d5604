package usecase

import (
	"context"
	"time"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/cache"
)

type MetricsUsecase struct {
	repo  LedgerRepository
	cache *cache.Cache[affiliate.MetricsResponse]
	nowFn func() time.Time
}

func NewMetricsUsecase(repo LedgerRepository, metrics *cache.Cache[affiliate.MetricsResponse]) *MetricsUsecase {
	return &MetricsUsecase{
		repo:  repo,
		cache: metrics,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Get returns ledger totals, cached for the metrics TTL.
func (uc *MetricsUsecase) Get(ctx context.Context) affiliate.MetricsResponse {
	ctx, span := tracer.Start(ctx, "Metrics.Usecase.Get")
	defer span.End()

	if cached, ok := uc.cache.Get(cache.MetricsKey); ok {
		return cached
	}

	totals := uc.repo.Totals(ctx)
	response := affiliate.MetricsResponse{
		TotalAffiliates:       totals.TotalAffiliates,
		TotalCommissions:      totals.TotalCommissions,
		TotalCommissionAmount: totals.TotalCommissionAmount,
		Timestamp:             uc.nowFn(),
	}
	uc.cache.Put(cache.MetricsKey, response, 0)
	return response
}
