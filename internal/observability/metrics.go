// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for Gamely.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request pipeline.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	cacheHits       int64
	cacheMisses     int64
	rateLimited     int64
	budgetExhausted int64
	upstreamCalls   int64
	storeErrors     int64

	// Prometheus counters for scraping.
	promCacheHits       prometheus.Counter
	promCacheMisses     prometheus.Counter
	promCacheStores     prometheus.Counter
	promCacheL1Hits     prometheus.Counter
	promRateLimited     prometheus.Counter
	promBudgetConsumed  prometheus.Counter
	promBudgetExhausted prometheus.Counter
	promUpstreamErrors  prometheus.Counter
	promStoreErrors     prometheus.Counter
	promRejected        *prometheus.CounterVec
	promUpstreamCalls   *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromUpstreamDuration prometheus.Histogram

	// Remaining rate-limit allowance distribution (histogram, not per-key
	// gauge — avoids unbounded cardinality from per-IP keys).
	PromRLRemaining prometheus.Histogram

	// 1 when the shared counter store answered its last probe, 0 otherwise.
	PromStoreHealthy prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "cache_hits_total",
			Help:      "Total number of requests served from the response cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "cache_misses_total",
			Help:      "Total number of cache lookups that missed.",
		}),
		promCacheStores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "cache_stores_total",
			Help:      "Total number of upstream responses written to the cache.",
		}),
		promCacheL1Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "cache_l1_hits_total",
			Help:      "Total number of cache hits served from the in-process front cache.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by the per-client rate limit.",
		}),
		promBudgetConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "budget_consumed_total",
			Help:      "Total number of upstream-call budget units consumed.",
		}),
		promBudgetExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "budget_exhausted_total",
			Help:      "Total number of requests rejected because the global call budget was spent.",
		}),
		promUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "upstream_errors_total",
			Help:      "Total number of upstream fetch failures (timeouts, transport errors).",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "store_errors_total",
			Help:      "Total number of counter-store errors that degraded a pipeline step to fail-open.",
		}),
		promRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "requests_rejected_total",
			Help:      "Total requests rejected before reaching the upstream, by reason.",
		}, []string{"reason"}),
		promUpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamely",
			Name:      "upstream_calls_total",
			Help:      "Total calls forwarded to the upstream API, by status code.",
		}, []string{"status_code"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gamely",
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status_code"}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gamely",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gamely",
			Name:      "ratelimit_remaining_requests",
			Help:      "Distribution of remaining allowance across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PromStoreHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gamely",
			Name:      "store_healthy",
			Help:      "Whether the shared counter store answered the last probe (1) or not (0).",
		}),
	}

	return m
}

// IncCacheHit increments the cache hit counter. l1 marks hits absorbed by
// the in-process front cache without a store round-trip.
func (m *Metrics) IncCacheHit(l1 bool) {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
	if l1 {
		m.promCacheL1Hits.Inc()
	}
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncCacheStore increments the cache write counter.
func (m *Metrics) IncCacheStore() {
	m.promCacheStores.Inc()
}

// IncRateLimited increments the rate-limited rejection counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
	m.promRejected.WithLabelValues("rate_limited").Inc()
}

// IncBudgetConsumed increments the budget consumption counter.
func (m *Metrics) IncBudgetConsumed() {
	m.promBudgetConsumed.Inc()
}

// IncBudgetExhausted increments the budget-spent rejection counter.
func (m *Metrics) IncBudgetExhausted() {
	atomic.AddInt64(&m.budgetExhausted, 1)
	m.promBudgetExhausted.Inc()
	m.promRejected.WithLabelValues("budget_exhausted").Inc()
}

// IncValidationRejected counts requests rejected by the endpoint resolver.
func (m *Metrics) IncValidationRejected() {
	m.promRejected.WithLabelValues("validation").Inc()
}

// IncOriginRejected counts requests rejected by the origin whitelist.
func (m *Metrics) IncOriginRejected() {
	m.promRejected.WithLabelValues("origin").Inc()
}

// IncUpstreamCall counts a forwarded upstream call by response status.
func (m *Metrics) IncUpstreamCall(statusCode string) {
	atomic.AddInt64(&m.upstreamCalls, 1)
	m.promUpstreamCalls.WithLabelValues(statusCode).Inc()
}

// IncUpstreamErrors increments the upstream failure counter.
func (m *Metrics) IncUpstreamErrors() {
	m.promUpstreamErrors.Inc()
}

// IncStoreErrors increments the counter-store error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// SetStoreHealthy records the result of the latest store probe.
func (m *Metrics) SetStoreHealthy(healthy bool) {
	if healthy {
		m.PromStoreHealthy.Set(1)
	} else {
		m.PromStoreHealthy.Set(0)
	}
}

// ObserveRemaining records the remaining rate-limit allowance as a
// histogram observation. Distribution visibility without per-key cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	CacheHits       int64
	CacheMisses     int64
	RateLimited     int64
	BudgetExhausted int64
	UpstreamCalls   int64
	StoreErrors     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:       atomic.LoadInt64(&m.cacheHits),
		CacheMisses:     atomic.LoadInt64(&m.cacheMisses),
		RateLimited:     atomic.LoadInt64(&m.rateLimited),
		BudgetExhausted: atomic.LoadInt64(&m.budgetExhausted),
		UpstreamCalls:   atomic.LoadInt64(&m.upstreamCalls),
		StoreErrors:     atomic.LoadInt64(&m.storeErrors),
	}
}
