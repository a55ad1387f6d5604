package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

const namespace = "affiliate"

// Metrics holds the service's Prometheus instruments. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	upstreamAttempts     *prometheus.CounterVec
	purchases            *prometheus.CounterVec
	commissionFailures   prometheus.Counter
	affiliatesRegistered prometheus.Counter
	rateLimited          *prometheus.CounterVec
}

// New creates the instruments on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream transaction attempts by result.",
		}, []string{"result"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase requests by outcome.",
		}, []string{"outcome"}),
		commissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_record_failures_total",
			Help:      "Completed purchases whose commission could not be recorded.",
		}),
		affiliatesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affiliates_registered_total",
			Help:      "Affiliates registered since start.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter, by scope.",
		}, []string{"scope"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamAttempts,
		m.purchases,
		m.commissionFailures,
		m.affiliatesRegistered,
		m.rateLimited,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterCaches exports the statistics of every cache in r.
func (m *Metrics) RegisterCaches(r *cache.Registry) {
	if m == nil {
		return
	}
	m.registry.MustRegister(newCacheCollector(r))
}

// RegisterLedger exports ledger totals computed by totals on each scrape.
func (m *Metrics) RegisterLedger(totals func() domain.Totals) {
	if m == nil {
		return
	}
	m.registry.MustRegister(newLedgerCollector(totals))
}

func (m *Metrics) UpstreamAttempt(result string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Purchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommissionFailure() {
	if m == nil {
		return
	}
	m.commissionFailures.Inc()
}

func (m *Metrics) AffiliateRegistered() {
	if m == nil {
		return
	}
	m.affiliatesRegistered.Inc()
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}
