package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the complexity router.
type Metrics struct {
	Routed *prometheus.CounterVec
}

// NewMetrics creates and registers router metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "router",
			Name:      "routed_total",
			Help:      "Total tasks routed, by complexity tier and selected model.",
		}, []string{"tier", "model"}),
	}

	reg.MustRegister(m.Routed)

	return m
}

// ObserveRoute counts one routing decision. Safe on a nil receiver.
func (m *Metrics) ObserveRoute(tier, model string) {
	if m == nil {
		return
	}
	m.Routed.WithLabelValues(tier, model).Inc()
}
