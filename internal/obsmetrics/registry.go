// Package obsmetrics holds the process-level Prometheus instrumentation
// for a long-lived backtestctl batch service: counts and durations of
// runs and day-steps. Grounded on the teacher's
// internal/interfaces/http/metrics.go MetricsRegistry shape
// (prometheus.NewCounterVec/HistogramVec grouped into one struct,
// constructed once and registered against a single registry).
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the backtest engine emits.
type Registry struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	DayStepDuration  prometheus.Histogram
}

// NewRegistry constructs a Registry and registers its metrics against
// reg. Passing prometheus.NewRegistry() isolates metrics for tests;
// passing prometheus.DefaultRegisterer wires into the process default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_runs_total",
				Help: "Total number of backtest runs, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backtest_run_duration_seconds",
				Help:    "Wall-clock duration of a complete backtest run.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		DayStepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backtest_day_step_duration_seconds",
				Help:    "Wall-clock duration of a single simulated day's step.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
	}
	reg.MustRegister(r.RunsTotal, r.RunDuration, r.DayStepDuration)
	return r
}

// ObserveRun records a completed run's outcome and duration.
func (r *Registry) ObserveRun(outcome string, seconds float64) {
	r.RunsTotal.WithLabelValues(outcome).Inc()
	r.RunDuration.Observe(seconds)
}

// ObserveDayStep records one simulated day's step duration.
func (r *Registry) ObserveDayStep(seconds float64) {
	r.DayStepDuration.Observe(seconds)
}
