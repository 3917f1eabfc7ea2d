package admin

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxkompensator/postfixer/internal/service"
)

// metricsNamespace prefixes every metric exposed at /metrics.
const metricsNamespace = "postfixer"

// Metrics holds all Prometheus metrics for Postfixer.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	InquiryDuration   prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of management API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Management API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_connections",
				Help:      "Number of open policy connections",
			},
		),
		InquiryDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "inquiry_duration_seconds",
				Help:      "Time spent deciding one policy inquiry",
				// Decisions are sub-millisecond on a warm cache.
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
	}
}

// StatsCollector exposes the runtime counters kept by the services as
// Prometheus metrics without double-counting them in two places.
type StatsCollector struct {
	stats    *service.StatsService
	rules    *service.RuleRegistry
	limiters *service.RateLimitService
	emitter  *service.EmitterService

	inquiries   *prometheus.Desc
	ruleMatches *prometheus.Desc
	blocks      *prometheus.Desc
	storeErrors *prometheus.Desc
	dropped     *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
}

// NewStatsCollector creates a collector over the given services. All four
// services must be non-nil.
func NewStatsCollector(
	stats *service.StatsService,
	rules *service.RuleRegistry,
	limiters *service.RateLimitService,
	emitter *service.EmitterService,
) *StatsCollector {
	fq := func(name string) string {
		return prometheus.BuildFQName(metricsNamespace, "", name)
	}
	return &StatsCollector{
		stats:    stats,
		rules:    rules,
		limiters: limiters,
		emitter:  emitter,
		inquiries: prometheus.NewDesc(fq("inquiries_total"),
			"Total policy inquiries by outcome", []string{"outcome"}, nil),
		ruleMatches: prometheus.NewDesc(fq("rule_matches_total"),
			"Total rule matches by rule position", []string{"rule_id"}, nil),
		blocks: prometheus.NewDesc(fq("rate_limit_blocks_total"),
			"Total inquiries blocked by a rate limiter", nil, nil),
		storeErrors: prometheus.NewDesc(fq("store_errors_total"),
			"Total persistence failures in the decision pipeline", nil, nil),
		dropped: prometheus.NewDesc(fq("observer_events_dropped_total"),
			"Total observer events dropped under backpressure", nil, nil),
		cacheHits: prometheus.NewDesc(fq("eval_cache_hits_total"),
			"Total rule evaluation cache hits", nil, nil),
		cacheMisses: prometheus.NewDesc(fq("eval_cache_misses_total"),
			"Total rule evaluation cache misses", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inquiries
	ch <- c.ruleMatches
	ch <- c.blocks
	ch <- c.storeErrors
	ch <- c.dropped
	ch <- c.cacheHits
	ch <- c.cacheMisses
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.GetStats()

	outcomes := map[string]int64{
		"accepted":     snap.Accepted,
		"rejected":     snap.Rejected,
		"other":        snap.Other,
		"fallback":     snap.Fallback,
		"rate_limited": snap.RateLimited,
		"invalid":      snap.Invalid,
	}
	for outcome, n := range outcomes {
		ch <- prometheus.MustNewConstMetric(c.inquiries,
			prometheus.CounterValue, float64(n), outcome)
	}
	for id, n := range snap.RuleMatches {
		ch <- prometheus.MustNewConstMetric(c.ruleMatches,
			prometheus.CounterValue, float64(n), strconv.Itoa(id))
	}

	ch <- prometheus.MustNewConstMetric(c.blocks,
		prometheus.CounterValue, float64(c.limiters.Blocks()))
	ch <- prometheus.MustNewConstMetric(c.storeErrors,
		prometheus.CounterValue, float64(snap.StoreErrors))
	ch <- prometheus.MustNewConstMetric(c.dropped,
		prometheus.CounterValue, float64(c.emitter.DroppedEvents()))
	ch <- prometheus.MustNewConstMetric(c.cacheHits,
		prometheus.CounterValue, float64(c.rules.CacheHits()))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses,
		prometheus.CounterValue, float64(c.rules.CacheMisses()))
}

var _ prometheus.Collector = (*StatsCollector)(nil)
