package ws

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the WebSocket gateway.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	AuthFailures      prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
}

// NewMetrics creates and registers gateway metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "gateway",
			Name:      "agent_connections",
			Help:      "Registered agent WebSocket connections currently open.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Total connection attempts rejected for a bad agent token.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "gateway",
			Name:      "messages_received_total",
			Help:      "Total messages received from agents, by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Total messages sent to agents, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.ConnectionsActive, m.AuthFailures, m.MessagesReceived, m.MessagesSent)

	return m
}

// All methods are safe on a nil receiver.

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) IncAuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) IncReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}
