package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "governor"

// Metrics contains Prometheus collectors for admission and budget governance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Rate limiting
	rateLimitChecks *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec

	// Store health
	storeFailures *prometheus.CounterVec

	// Budget
	budgetUtilization *prometheus.GaugeVec
	budgetDecisions   *prometheus.CounterVec
	downgrades        *prometheus.CounterVec
	spendUSD          *prometheus.CounterVec

	// Alerts
	alertsSent   *prometheus.CounterVec
	alertsFailed *prometheus.CounterVec

	// Usage
	usageRecorded *prometheus.CounterVec
	unpriced      *prometheus.CounterVec

	checkDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		rateLimitChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_checks_total",
				Help:      "Total number of rate limit checks performed",
			},
			[]string{"provider", "result"},
		),
		rateLimitDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denied_total",
				Help:      "Rate limit denials by limit type",
			},
			[]string{"provider", "limit_type"},
		),
		storeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Shared store failures resolved by the fail-open/fail-closed policy",
			},
			[]string{"component", "policy"},
		),
		budgetUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_utilization_ratio",
				Help:      "Most recently computed budget utilization (1.0 == limit)",
			},
			[]string{"period"},
		),
		budgetDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_decisions_total",
				Help:      "Budget enforcement decisions by threshold status",
			},
			[]string{"status", "allowed"},
		),
		downgrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_downgrades_total",
				Help:      "Routing strategy downgrades applied by budget enforcement",
			},
			[]string{"from", "to"},
		),
		spendUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_usd_total",
				Help:      "Spend recorded against budget counters in USD",
			},
			[]string{"provider"},
		),
		alertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Budget alerts delivered",
			},
			[]string{"alert_type", "channel"},
		),
		alertsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_failed_total",
				Help:      "Budget alerts that exhausted their retries",
			},
			[]string{"alert_type", "channel"},
		),
		usageRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_records_total",
				Help:      "Usage records persisted",
			},
			[]string{"provider", "success"},
		),
		unpriced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unpriced_usage_total",
				Help:      "Calls priced at zero because no pricing entry matched",
			},
			[]string{"provider"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Duration of admission checks in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"operation"},
		),
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordRateLimitCheck records a rate limit check.
func (m *Metrics) RecordRateLimitCheck(provider string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.rateLimitChecks.WithLabelValues(provider, result).Inc()
}

// RecordRateLimitDenied records which ceiling denied a request ("requests" or "tokens").
func (m *Metrics) RecordRateLimitDenied(provider, limitType string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(provider, limitType).Inc()
}

// RecordStoreFailure records a store error and the policy that resolved it.
func (m *Metrics) RecordStoreFailure(component string, failOpen bool) {
	if m == nil {
		return
	}
	policy := "fail_closed"
	if failOpen {
		policy = "fail_open"
	}
	m.storeFailures.WithLabelValues(component, policy).Inc()
}

func (m *Metrics) SetBudgetUtilization(period string, ratio float64) {
	if m == nil {
		return
	}
	m.budgetUtilization.WithLabelValues(period).Set(ratio)
}

func (m *Metrics) RecordBudgetDecision(status string, allowed bool) {
	if m == nil {
		return
	}
	m.budgetDecisions.WithLabelValues(status, boolLabel(allowed)).Inc()
}

func (m *Metrics) RecordDowngrade(from, to string) {
	if m == nil {
		return
	}
	m.downgrades.WithLabelValues(from, to).Inc()
}

func (m *Metrics) AddSpend(provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.spendUSD.WithLabelValues(provider).Add(usd)
}

func (m *Metrics) RecordAlert(alertType, channel string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.alertsSent.WithLabelValues(alertType, channel).Inc()
		return
	}
	m.alertsFailed.WithLabelValues(alertType, channel).Inc()
}

func (m *Metrics) RecordUsage(provider string, success bool) {
	if m == nil {
		return
	}
	m.usageRecorded.WithLabelValues(provider, boolLabel(success)).Inc()
}

func (m *Metrics) RecordUnpriced(provider string) {
	if m == nil {
		return
	}
	m.unpriced.WithLabelValues(provider).Inc()
}

// ObserveCheck records how long an admission step took.
func (m *Metrics) ObserveCheck(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
