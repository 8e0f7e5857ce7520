package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder tracks tool runs and the gates in front of them.
type Recorder interface {
	// RecordRun records a dispatched run with its outcome
	// (completed, failed, not_processed) and dispatch latency.
	RecordRun(tool, plan, outcome string, duration time.Duration)

	// RecordDenied records a request rejected before dispatch. Reason is the
	// policy reason, "usage_limit" or "rate_limited".
	RecordDenied(tool, reason string)

	RecordReliabilityOutcome(tool string, success bool)

	RecordBreakerStateChange(processor, state string)
}

// Noop is a no-op implementation of the Recorder interface.
type Noop struct{}

func (Noop) RecordRun(tool, plan, outcome string, duration time.Duration) {}
func (Noop) RecordDenied(tool, reason string)                             {}
func (Noop) RecordReliabilityOutcome(tool string, success bool)           {}
func (Noop) RecordBreakerStateChange(processor, state string)             {}

// Prometheus implements Recorder using Prometheus.
type Prometheus struct {
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	deniedTotal        *prometheus.CounterVec
	reliabilityTotal   *prometheus.CounterVec
	breakerStateChange *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Total number of dispatched tool runs.",
		}, []string{"tool", "plan", "outcome"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_run_duration_seconds",
			Help:      "Latency of processor dispatch.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"tool"}),

		deniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_denied_total",
			Help:      "Total number of tool runs rejected before dispatch.",
		}, []string{"tool", "reason"}),

		reliabilityTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliability_outcomes_total",
			Help:      "Outcomes recorded into the reliability history.",
		}, []string{"tool", "success"}),

		breakerStateChange: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of processor circuit breaker state changes.",
		}, []string{"processor", "state"}),
	}
}

func (m *Prometheus) RecordRun(tool, plan, outcome string, duration time.Duration) {
	m.runsTotal.WithLabelValues(tool, plan, outcome).Inc()
	m.runDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Prometheus) RecordDenied(tool, reason string) {
	m.deniedTotal.WithLabelValues(tool, reason).Inc()
}

func (m *Prometheus) RecordReliabilityOutcome(tool string, success bool) {
	m.reliabilityTotal.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

func (m *Prometheus) RecordBreakerStateChange(processor, state string) {
	m.breakerStateChange.WithLabelValues(processor, state).Inc()
}
