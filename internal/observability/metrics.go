package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bridge's Prometheus metrics.
type Metrics struct {
	// RunsStarted counts engine invocations by engine.
	// Labels: engine (codex|claude|opencode)
	RunsStarted *prometheus.CounterVec

	// RunsCompleted counts finished invocations.
	// Labels: engine, status (done|error|cancelled)
	RunsCompleted *prometheus.CounterVec

	// RunDuration measures engine invocation wall time in seconds.
	// Labels: engine
	// Buckets: 1s .. 1h
	RunDuration *prometheus.HistogramVec

	// ProgressEdits counts live progress message edits.
	// Labels: result (ok|error)
	ProgressEdits *prometheus.CounterVec

	// QueueDepth gauges jobs waiting behind a busy session.
	QueueDepth prometheus.Gauge

	// MessagesReceived counts inbound messages by outcome of parsing.
	// Labels: kind (prompt|cancel|ignored)
	MessagesReceived *prometheus.CounterVec
}

// NewMetrics registers all metrics with the registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takopi_runs_started_total",
				Help: "Total number of engine invocations started",
			},
			[]string{"engine"},
		),

		RunsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takopi_runs_completed_total",
				Help: "Total number of engine invocations finished by status",
			},
			[]string{"engine", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "takopi_run_duration_seconds",
				Help:    "Engine invocation wall time in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"engine"},
		),

		ProgressEdits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takopi_progress_edits_total",
				Help: "Total number of progress message edits attempted",
			},
			[]string{"result"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "takopi_queue_depth",
				Help: "Jobs currently waiting behind a busy session",
			},
		),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takopi_messages_received_total",
				Help: "Inbound messages by handling kind",
			},
			[]string{"kind"},
		),
	}
}
