package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the message bus.
type Metrics struct {
	Published *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
}

// NewMetrics creates and registers bus metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total envelopes published, by channel.",
		}, []string{"channel"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Total envelopes dropped because a subscriber buffer was full, by channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(m.Published, m.Dropped)

	return m
}

// IncPublished counts one published envelope. Safe on a nil receiver.
func (m *Metrics) IncPublished(channel string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(channel).Inc()
}

// IncDropped counts one dropped envelope. Safe on a nil receiver.
func (m *Metrics) IncDropped(channel string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(channel).Inc()
}
