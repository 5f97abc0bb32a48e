package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promCacheHits)
		assert.NotNil(t, m.promRateLimited)
		assert.NotNil(t, m.PromRequestDuration)
	})
}

func TestMetricsCacheCounters(t *testing.T) {
	t.Run("increments hit and miss counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCacheHit(false)
		m.IncCacheHit(true)
		m.IncCacheMiss()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promCacheL1Hits),
			"only the L1 hit should count toward the front-cache counter")
	})

	t.Run("increments store counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCacheStore()
		m.IncCacheStore()
		assert.Equal(t, float64(2), testutil.ToFloat64(m.promCacheStores))
	})
}

func TestMetricsIncRateLimited(t *testing.T) {
	t.Run("increments rate-limited counter and rejection reason", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncRateLimited()
		m.IncRateLimited()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.RateLimited)
		assert.Equal(t, float64(2),
			testutil.ToFloat64(m.promRejected.WithLabelValues("rate_limited")))
	})
}

func TestMetricsBudgetCounters(t *testing.T) {
	t.Run("tracks consumption and exhaustion separately", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncBudgetConsumed()
		m.IncBudgetConsumed()
		m.IncBudgetExhausted()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.BudgetExhausted)
		assert.Equal(t, float64(2), testutil.ToFloat64(m.promBudgetConsumed))
		assert.Equal(t, float64(1),
			testutil.ToFloat64(m.promRejected.WithLabelValues("budget_exhausted")))
	})
}

func TestMetricsUpstreamCounters(t *testing.T) {
	t.Run("counts upstream calls by status code", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncUpstreamCall("200")
		m.IncUpstreamCall("200")
		m.IncUpstreamCall("404")

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.UpstreamCalls)
		assert.Equal(t, float64(2),
			testutil.ToFloat64(m.promUpstreamCalls.WithLabelValues("200")))
		assert.Equal(t, float64(1),
			testutil.ToFloat64(m.promUpstreamCalls.WithLabelValues("404")))
	})

	t.Run("increments upstream error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncUpstreamErrors()
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promUpstreamErrors))
	})
}

func TestMetricsIncStoreErrors(t *testing.T) {
	t.Run("increments store error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncStoreErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.StoreErrors)
	})
}

func TestMetricsSetStoreHealthy(t *testing.T) {
	t.Run("gauge reflects latest probe result", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.SetStoreHealthy(true)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.PromStoreHealthy))

		m.SetStoreHealthy(false)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.PromStoreHealthy))
	})
}

func TestMetricsRejectionReasons(t *testing.T) {
	t.Run("validation and origin rejections use distinct labels", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncValidationRejected()
		m.IncValidationRejected()
		m.IncOriginRejected()

		assert.Equal(t, float64(2),
			testutil.ToFloat64(m.promRejected.WithLabelValues("validation")))
		assert.Equal(t, float64(1),
			testutil.ToFloat64(m.promRejected.WithLabelValues("origin")))
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncCacheHit(false)
		m.IncCacheHit(false)
		m.IncCacheMiss()
		m.IncRateLimited()
		m.IncBudgetExhausted()
		m.IncUpstreamCall("200")
		m.IncStoreErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
		assert.Equal(t, int64(1), snap.RateLimited)
		assert.Equal(t, int64(1), snap.BudgetExhausted)
		assert.Equal(t, int64(1), snap.UpstreamCalls)
		assert.Equal(t, int64(1), snap.StoreErrors)
	})
}
