package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the sweep scheduler.
type Metrics struct {
	RunsFailed  *prometheus.CounterVec
	RunsSkipped *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "sweep_failures_total",
			Help:      "Total sweep runs that returned an error, by job.",
		}, []string{"job"}),
		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "sweep_skipped_total",
			Help:      "Total sweep runs skipped because the previous run was still in flight, by job.",
		}, []string{"job"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each sweep run, by job.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(m.RunsFailed, m.RunsSkipped, m.RunDuration)

	return m
}

// All methods are safe on a nil receiver.

func (m *Metrics) IncFailed(job string) {
	if m == nil {
		return
	}
	m.RunsFailed.WithLabelValues(job).Inc()
}

func (m *Metrics) IncSkipped(job string) {
	if m == nil {
		return
	}
	m.RunsSkipped.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveRun(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(job).Observe(d.Seconds())
}
