package secure

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for message sealing.
type Metrics struct {
	Rejected prometheus.Counter
}

// NewMetrics creates and registers sealing metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "messaging",
			Name:      "rejected_total",
			Help:      "Total messages dropped for decryption or signature failures.",
		}),
	}

	reg.MustRegister(m.Rejected)

	return m
}

// IncRejected counts one rejected message. Safe on a nil receiver.
func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.Rejected.Inc()
}
