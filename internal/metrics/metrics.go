// Package metrics exposes Prometheus instrumentation for the reasoning engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for stage runs. A nil *Metrics records nothing.
type Metrics struct {
	// Stage latency from snapshot read to commit or failure
	StageDuration *prometheus.HistogramVec

	// Inference attempts per stage by result
	StageAttempts *prometheus.CounterVec

	// Committed state changes
	Transitions *prometheus.CounterVec

	// Upstream failures by error code
	UpstreamErrors *prometheus.CounterVec
}

// New registers all metrics with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterline_stage_duration_seconds",
			Help:    "Duration of reasoning stage runs by stage and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "outcome"}), // outcome: error code or "committed"

		StageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matterline_stage_attempts_total",
			Help: "Inference attempts per stage by result",
		}, []string{"stage", "result"}), // result: "valid", "invalid", "upstream_error"

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matterline_transitions_total",
			Help: "Committed workspace transitions",
		}, []string{"from", "to", "manual"}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matterline_upstream_errors_total",
			Help: "Inference failures by kind",
		}, []string{"kind"}),
	}
}

// ObserveStage records the duration of one stage run.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) IncAttempt(stage, result string) {
	if m != nil {
		m.StageAttempts.WithLabelValues(stage, result).Inc()
	}
}

func (m *Metrics) IncTransition(from, to string, manual bool) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to, strconv.FormatBool(manual)).Inc()
	}
}

func (m *Metrics) IncUpstreamError(kind string) {
	if m != nil {
		m.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}
