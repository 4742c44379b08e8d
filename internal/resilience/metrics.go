package resilience

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the resilience layer.
type Metrics struct {
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec
	PoolInUse          prometheus.Gauge
}

// NewMetrics creates and registers resilience metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "resilience",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"service", "to"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "resilience",
			Name:      "breaker_rejections_total",
			Help:      "Total calls rejected fast while a breaker was open.",
		}, []string{"service"}),
		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "resilience",
			Name:      "pool_connections_in_use",
			Help:      "Store connections currently checked out of the pool.",
		}),
	}

	reg.MustRegister(
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.PoolInUse,
	)

	return m
}
