// internal/common/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the copilot's Prometheus series. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TurnsTotal            *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	ToolCalls             *prometheus.CounterVec
	GuardrailViolations   *prometheus.CounterVec
	ValidationTransitions *prometheus.CounterVec
	Fallbacks             *prometheus.CounterVec
	TraceSinkErrors       *prometheus.CounterVec
	ActiveTurns           prometheus.Gauge
}

// New registers every series with reg. Tests pass a fresh
// prometheus.NewRegistry(); binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_turns_total",
				Help: "Total number of chat turns by intent and outcome",
			},
			[]string{"intent", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"stage"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_tool_calls_total",
				Help: "Total number of data tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		GuardrailViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_guardrail_violations_total",
				Help: "Total number of plans rejected by the guardrails",
			},
			[]string{"tool"},
		),
		ValidationTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_validation_transitions_total",
				Help: "Total number of validator state transitions",
			},
			[]string{"from", "to"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_fallbacks_total",
				Help: "Total number of deterministic fallbacks by capability",
			},
			[]string{"capability"},
		),
		TraceSinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_trace_sink_errors_total",
				Help: "Total number of trace records a sink failed to accept",
			},
			[]string{"sink"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "copilot_turns_active",
				Help: "Number of turns currently being processed",
			},
		),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Turn(intent, outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(intent, outcome).Inc()
}

func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) GuardrailViolation(tool string) {
	if m == nil {
		return
	}
	m.GuardrailViolations.WithLabelValues(tool).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.ValidationTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Fallback(capability string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(capability).Inc()
}

func (m *Metrics) TraceSinkError(sink string) {
	if m == nil {
		return
	}
	m.TraceSinkErrors.WithLabelValues(sink).Inc()
}

// TurnStarted increments the active gauge and returns its decrement.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveTurns.Inc()
	return m.ActiveTurns.Dec
}
