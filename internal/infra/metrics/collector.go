package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type cacheCollector struct {
	registry *cache.Registry
	items    *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
}

func newCacheCollector(r *cache.Registry) *cacheCollector {
	return &cacheCollector{
		registry: r,
		items: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "items"),
			"Entries held by a cache, by state.",
			[]string{"cache", "state"}, nil,
		),
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Cache lookups that returned a live value.",
			[]string{"cache"}, nil,
		),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Cache lookups that found nothing or an expired value.",
			[]string{"cache"}, nil,
		),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.hits
	ch <- c.misses
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, admin := range c.registry.All() {
		s := admin.Stats()
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(s.ActiveItems), s.Name, "active")
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(s.ExpiredItems), s.Name, "expired")
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.HitCount), s.Name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.MissCount), s.Name)
	}
}

type ledgerCollector struct {
	totals      func() domain.Totals
	affiliates  *prometheus.Desc
	commissions *prometheus.Desc
	amount      *prometheus.Desc
}

func newLedgerCollector(totals func() domain.Totals) *ledgerCollector {
	return &ledgerCollector{
		totals: totals,
		affiliates: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "affiliates"),
			"Affiliates in the ledger.", nil, nil,
		),
		commissions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "commissions"),
			"Commission entries in the ledger.", nil, nil,
		),
		amount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "commission_amount"),
			"Sum of all recorded commissions.", nil, nil,
		),
	}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.affiliates
	ch <- c.commissions
	ch <- c.amount
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	t := c.totals()
	ch <- prometheus.MustNewConstMetric(c.affiliates, prometheus.GaugeValue, float64(t.TotalAffiliates))
	ch <- prometheus.MustNewConstMetric(c.commissions, prometheus.GaugeValue, float64(t.TotalCommissions))
	ch <- prometheus.MustNewConstMetric(c.amount, prometheus.GaugeValue, t.TotalCommissionAmount)
}
