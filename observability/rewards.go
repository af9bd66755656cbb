package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CommissionMetrics captures commission distribution activity.
type CommissionMetrics struct {
	outcomes *prometheus.CounterVec
	entries  *prometheus.CounterVec
	paid     *prometheus.CounterVec
	stops    *prometheus.CounterVec
	latency  prometheus.Histogram
}

// TokenMetrics captures reward token lifecycle activity.
type TokenMetrics struct {
	created  *prometheus.CounterVec
	expired  prometheus.Counter
	failures *prometheus.CounterVec
	warnings *prometheus.CounterVec
	awards   *prometheus.CounterVec
}

// JobMetrics captures scheduled job executions.
type JobMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	commissionMetricsOnce sync.Once
	commissionRegistry    *CommissionMetrics

	tokenMetricsOnce sync.Once
	tokenRegistry    *TokenMetrics

	jobMetricsOnce sync.Once
	jobRegistry    *JobMetrics
)

// Commission returns the lazily-initialised commission metrics registry.
func Commission() *CommissionMetrics {
	commissionMetricsOnce.Do(func() {
		commissionRegistry = &CommissionMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "commission",
				Name:      "distributions_total",
				Help:      "Purchase-confirmed triggers segmented by outcome.",
			}, []string{"outcome"}),
			entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "commission",
				Name:      "entries_total",
				Help:      "Commission entries persisted segmented by referral tier.",
			}, []string{"tier"}),
			paid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "commission",
				Name:      "paid_amount_total",
				Help:      "Sum of commission amounts persisted segmented by referral tier.",
			}, []string{"tier"}),
			stops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "commission",
				Name:      "chain_stops_total",
				Help:      "Referral chain walks segmented by terminal state.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "commission",
				Name:      "distribute_duration_seconds",
				Help:      "Latency distribution for a single distribution unit.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			commissionRegistry.outcomes,
			commissionRegistry.entries,
			commissionRegistry.paid,
			commissionRegistry.stops,
			commissionRegistry.latency,
		)
	})
	return commissionRegistry
}

// RecordOutcome increments the distribution outcome counter.
func (m *CommissionMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordEntry records a persisted commission entry for the supplied tier.
func (m *CommissionMetrics) RecordEntry(tier int, amount float64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(tier)
	m.entries.WithLabelValues(label).Inc()
	if amount > 0 {
		m.paid.WithLabelValues(label).Add(amount)
	}
}

// RecordStop records the terminal state of a chain walk.
func (m *CommissionMetrics) RecordStop(reason string) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveLatency records how long a distribution unit took.
func (m *CommissionMetrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// Tokens returns the lazily-initialised token lifecycle metrics registry.
func Tokens() *TokenMetrics {
	tokenMetricsOnce.Do(func() {
		tokenRegistry = &TokenMetrics{
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "tokens",
				Name:      "batches_created_total",
				Help:      "Token batches created segmented by reward tier.",
			}, []string{"tier"}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "tokens",
				Name:      "batches_expired_total",
				Help:      "Token batches transitioned to expired by the sweep.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "tokens",
				Name:      "failures_total",
				Help:      "Token lifecycle failures segmented by operation.",
			}, []string{"operation"}),
			warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "tokens",
				Name:      "expiry_warnings_total",
				Help:      "Expiry warnings delivered segmented by days left.",
			}, []string{"days_left"}),
			awards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "tokens",
				Name:      "redistribution_owners_total",
				Help:      "Owners evaluated by reward redistribution segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			tokenRegistry.created,
			tokenRegistry.expired,
			tokenRegistry.failures,
			tokenRegistry.warnings,
			tokenRegistry.awards,
		)
	})
	return tokenRegistry
}

// RecordCreated increments the created batch counter.
func (m *TokenMetrics) RecordCreated(tier string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(normalizeLabel(tier)).Inc()
}

// RecordExpired adds the number of batches expired by a sweep.
func (m *TokenMetrics) RecordExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.Add(float64(count))
}

// RecordFailure increments the failure counter for the supplied operation.
func (m *TokenMetrics) RecordFailure(operation string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(operation)).Inc()
}

// RecordWarning increments the warning counter.
func (m *TokenMetrics) RecordWarning(daysLeft int) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(strconv.Itoa(daysLeft)).Inc()
}

// RecordAward records the redistribution result for one owner.
func (m *TokenMetrics) RecordAward(result string) {
	if m == nil {
		return
	}
	m.awards.WithLabelValues(normalizeLabel(result)).Inc()
}

// Jobs returns the lazily-initialised scheduled job metrics registry.
func Jobs() *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobRegistry = &JobMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "jobs",
				Name:      "runs_total",
				Help:      "Scheduled job executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "jobs",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for scheduled job executions.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"job"}),
		}
		prometheus.MustRegister(jobRegistry.runs, jobRegistry.duration)
	})
	return jobRegistry
}

// Observe records the outcome and duration of a job run. Outcomes should be
// stable strings such as "success", "error" or "skipped".
func (m *JobMetrics) Observe(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	job = normalizeLabel(job)
	m.runs.WithLabelValues(job, normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
