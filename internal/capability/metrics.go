package capability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for capability matching.
type Metrics struct {
	Matches    prometheus.Counter
	Candidates prometheus.Histogram
	Blocked    prometheus.Counter
	Discovered prometheus.Counter
}

// NewMetrics creates and registers matcher metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "matches_total",
			Help:      "Total match requests served.",
		}),
		Candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "match_candidates",
			Help:      "Number of eligible candidates returned per match.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		Blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "blocked_total",
			Help:      "Total agents excluded for missing a required capability.",
		}),
		Discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "discovered_total",
			Help:      "Total capabilities merged through discovery probing.",
		}),
	}

	reg.MustRegister(m.Matches, m.Candidates, m.Blocked, m.Discovered)

	return m
}

// ObserveMatch records one served match request. Safe on a nil receiver.
func (m *Metrics) ObserveMatch(candidates int) {
	if m == nil {
		return
	}
	m.Matches.Inc()
	m.Candidates.Observe(float64(candidates))
}

// IncBlocked counts one required-capability exclusion. Safe on a nil receiver.
func (m *Metrics) IncBlocked() {
	if m == nil {
		return
	}
	m.Blocked.Inc()
}

// IncDiscovered counts one merged discovery. Safe on a nil receiver.
func (m *Metrics) IncDiscovered() {
	if m == nil {
		return
	}
	m.Discovered.Inc()
}
