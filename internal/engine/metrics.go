package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestration engine.
type Metrics struct {
	// Session outcomes
	SessionsTotal  *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Phase execution
	PhaseAttemptsTotal *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	GateFailuresTotal  *prometheus.CounterVec

	// Failure classes
	TimeoutsTotal           prometheus.Counter
	ContractViolationsTotal prometheus.Counter

	// Context store and pattern engine activity
	DemotionsTotal       prometheus.Counter
	RecommendationsTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics for the engine.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "flowd_" for namespacing.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SessionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "flowd_sessions_total",
					Help: "Total number of sessions by terminal state",
				},
				[]string{"state"}, // "completed", "blocked" or "failed"
			),

			ActiveSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "flowd_active_sessions",
					Help: "Number of sessions currently executing",
				},
			),

			PhaseAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "flowd_phase_attempts_total",
					Help: "Total number of specialist dispatches per phase",
				},
				[]string{"phase"}, // phase names form a small closed set
			),

			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "flowd_phase_attempt_duration_seconds",
					Help:    "Duration of one specialist dispatch plus gate evaluation",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
				},
				[]string{"phase"},
			),

			GateFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "flowd_gate_failures_total",
					Help: "Total number of failed gate evaluations per phase",
				},
				[]string{"phase"},
			),

			TimeoutsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "flowd_specialist_timeouts_total",
					Help: "Total number of specialist dispatches that timed out",
				},
			),

			ContractViolationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "flowd_contract_violations_total",
					Help: "Total number of malformed specialist replies",
				},
			),

			DemotionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "flowd_context_demotions_total",
					Help: "Total number of context records demoted from quick to full",
				},
			),

			RecommendationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "flowd_recommendations_total",
					Help: "Total number of pattern recommendations emitted",
				},
			),
		}
	})

	return globalMetrics
}

// RecordSessionStarted records a session entering execution.
func (m *Metrics) RecordSessionStarted() {
	m.ActiveSessions.Inc()
}

// RecordSessionTerminal records a session reaching a terminal state.
func (m *Metrics) RecordSessionTerminal(state SessionStatus) {
	m.SessionsTotal.WithLabelValues(string(state)).Inc()
	m.ActiveSessions.Dec()
}

// RecordPhaseAttempt records one dispatch attempt with its duration.
func (m *Metrics) RecordPhaseAttempt(phase string, durationSeconds float64) {
	m.PhaseAttemptsTotal.WithLabelValues(phase).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordGateFailure records one failed gate evaluation.
func (m *Metrics) RecordGateFailure(phase string) {
	m.GateFailuresTotal.WithLabelValues(phase).Inc()
}

// RecordTimeout records a specialist non-response.
func (m *Metrics) RecordTimeout() {
	m.TimeoutsTotal.Inc()
}

// RecordContractViolation records a malformed specialist reply.
func (m *Metrics) RecordContractViolation() {
	m.ContractViolationsTotal.Inc()
}

// RecordDemotions records quick-to-full demotions observed on a store.
func (m *Metrics) RecordDemotions(n int) {
	if n > 0 {
		m.DemotionsTotal.Add(float64(n))
	}
}

// RecordRecommendations records emitted recommendations.
func (m *Metrics) RecordRecommendations(n int) {
	if n > 0 {
		m.RecommendationsTotal.Add(float64(n))
	}
}
