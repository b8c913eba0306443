package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRateLimitCheck("cerebras", true)
	m.RecordRateLimitCheck("cerebras", false)
	m.RecordRateLimitDenied("cerebras", "requests")
	m.RecordStoreFailure("ratelimit", true)
	m.SetBudgetUtilization("daily", 0.84)
	m.RecordDowngrade("quality_optimized", "balanced")
	m.AddSpend("openai", 1.25)
	m.AddSpend("openai", -3)
	m.RecordAlert("warning", "webhook", true)
	m.RecordAlert("warning", "email", false)
	m.ObserveCheck("rate_limit", time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitChecks.WithLabelValues("cerebras", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitDenied.WithLabelValues("cerebras", "requests")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeFailures.WithLabelValues("ratelimit", "fail_open")))
	assert.InDelta(t, 0.84, testutil.ToFloat64(m.budgetUtilization.WithLabelValues("daily")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downgrades.WithLabelValues("quality_optimized", "balanced")))
	assert.InDelta(t, 1.25, testutil.ToFloat64(m.spendUSD.WithLabelValues("openai")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsSent.WithLabelValues("warning", "webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsFailed.WithLabelValues("warning", "email")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRateLimitCheck("p", true)
		m.RecordStoreFailure("budget", false)
		m.RecordAlert("blocked", "webhook", false)
		m.ObserveCheck("budget", time.Now())
	})
}
