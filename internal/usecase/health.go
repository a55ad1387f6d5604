package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type HealthUsecase struct {
	repo     LedgerRepository
	upstream UpstreamGateway
	caches   *cache.Registry
	reports  *cache.Cache[affiliate.HealthResponse]
	probes   *cache.Cache[affiliate.HealthCheck]
	pingers  map[string]Pinger
	nowFn    func() time.Time
}

// NewHealthUsecase builds the health check. pingers are optional extra
// dependencies checked by name, such as "memcached" or "signal".
func NewHealthUsecase(
	repo LedgerRepository,
	upstream UpstreamGateway,
	caches *cache.Registry,
	reports *cache.Cache[affiliate.HealthResponse],
	probes *cache.Cache[affiliate.HealthCheck],
	pingers map[string]Pinger,
) *HealthUsecase {
	return &HealthUsecase{
		repo:     repo,
		upstream: upstream,
		caches:   caches,
		reports:  reports,
		probes:   probes,
		pingers:  pingers,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Check reports the state of the ledger, the upstream, the caches and any
// configured pingers. Only healthy reports are cached.
func (uc *HealthUsecase) Check(ctx context.Context) affiliate.HealthResponse {
	ctx, span := tracer.Start(ctx, "Health.Usecase.Check")
	defer span.End()

	if report, ok := uc.reports.Get(cache.HealthKey); ok {
		return report
	}

	checks := map[string]affiliate.HealthCheck{
		"ledger":   uc.checkLedger(ctx),
		"upstream": uc.checkUpstream(ctx),
		"cache":    uc.checkCaches(),
	}
	for name, pinger := range uc.pingers {
		checks[name] = ping(ctx, pinger)
	}

	var failing []string
	for name, check := range checks {
		if check.Status != domain.StatusHealthy && check.Status != domain.StatusNotConfigured {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	report := affiliate.HealthResponse{
		Status:    domain.StatusHealthy,
		Checks:    checks,
		Timestamp: uc.nowFn(),
	}
	if len(failing) > 0 {
		report.Status = domain.StatusDegraded
		report.Failing = failing
		return report
	}

	uc.reports.Put(cache.HealthKey, report, 0)
	return report
}

func (uc *HealthUsecase) checkLedger(ctx context.Context) affiliate.HealthCheck {
	if err := uc.repo.Verify(ctx); err != nil {
		return affiliate.HealthCheck{Status: domain.StatusUnhealthy, Detail: domain.Message(err)}
	}
	return affiliate.HealthCheck{Status: domain.StatusHealthy}
}

func (uc *HealthUsecase) checkUpstream(ctx context.Context) affiliate.HealthCheck {
	if uc.upstream == nil || !uc.upstream.Configured() {
		return affiliate.HealthCheck{Status: domain.StatusNotConfigured}
	}
	if check, ok := uc.probes.Get(cache.UpstreamProbeKey); ok {
		return check
	}

	check := affiliate.HealthCheck{Status: domain.StatusHealthy}
	if err := uc.upstream.Ping(ctx); err != nil {
		switch domain.KindOf(err) {
		case domain.KindUpstreamUnavailable, domain.KindUpstreamTimeout:
			check = affiliate.HealthCheck{Status: domain.StatusUnreachable, Detail: domain.Message(err)}
		default:
			check = affiliate.HealthCheck{Status: domain.StatusUnhealthy, Detail: domain.Message(err)}
		}
	}
	uc.probes.Put(cache.UpstreamProbeKey, check, 0)
	return check
}

func (uc *HealthUsecase) checkCaches() affiliate.HealthCheck {
	if len(uc.caches.All()) == 0 {
		return affiliate.HealthCheck{Status: domain.StatusUnhealthy, Detail: "no caches registered"}
	}
	return affiliate.HealthCheck{Status: domain.StatusHealthy}
}

func ping(ctx context.Context, pinger Pinger) affiliate.HealthCheck {
	if err := pinger.Ping(ctx); err != nil {
		return affiliate.HealthCheck{Status: domain.StatusUnreachable, Detail: err.Error()}
	}
	return affiliate.HealthCheck{Status: domain.StatusHealthy}
}
