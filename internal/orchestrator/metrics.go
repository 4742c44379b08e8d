package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the queue orchestrator.
type Metrics struct {
	TasksEnqueued    *prometheus.CounterVec
	TasksAssigned    *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	TasksRequeued    *prometheus.CounterVec
	TasksDeadLetter  *prometheus.CounterVec
	TasksMigrated    *prometheus.CounterVec
	AgentsRegistered prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	QueueProcessing  *prometheus.GaugeVec
	QueueDeadLetters *prometheus.GaugeVec
	TickDuration     prometheus.Histogram
}

// NewMetrics creates and registers orchestrator metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Total tasks enqueued, by queue.",
		}, []string{"queue"}),
		TasksAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_assigned_total",
			Help:      "Total tasks claimed and assigned to agents, by queue.",
		}, []string{"queue"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_completed_total",
			Help:      "Total tasks completed, by queue.",
		}, []string{"queue"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_failed_total",
			Help:      "Total task failures reported by agents, by queue.",
		}, []string{"queue"}),
		TasksRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_requeued_total",
			Help:      "Total tasks re-enqueued with backoff, by destination queue.",
		}, []string{"queue"}),
		TasksDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_dead_lettered_total",
			Help:      "Total tasks moved to a dead-letter queue, by queue.",
		}, []string{"queue"}),
		TasksMigrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_migrated_total",
			Help:      "Total pending tasks migrated by the balancing sweep, by source queue.",
		}, []string{"queue"}),
		AgentsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "agent_registrations_total",
			Help:      "Total agent registrations processed.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending tasks per queue, including delayed retries.",
		}, []string{"queue"}),
		QueueProcessing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "processing",
			Help:      "In-flight tasks per queue.",
		}, []string{"queue"}),
		QueueDeadLetters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "dead_letters",
			Help:      "Dead-lettered tasks per queue.",
		}, []string{"queue"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tick_duration_seconds",
			Help:      "Scheduling tick duration.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	reg.MustRegister(
		m.TasksEnqueued,
		m.TasksAssigned,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksRequeued,
		m.TasksDeadLetter,
		m.TasksMigrated,
		m.AgentsRegistered,
		m.QueueDepth,
		m.QueueProcessing,
		m.QueueDeadLetters,
		m.TickDuration,
	)

	return m
}

// All methods are safe on a nil receiver so metrics stay optional.

func (m *Metrics) IncEnqueued(queue string) {
	if m == nil {
		return
	}
	m.TasksEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncAssigned(queue string) {
	if m == nil {
		return
	}
	m.TasksAssigned.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncCompleted(queue string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncFailed(queue string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncRequeued(queue string) {
	if m == nil {
		return
	}
	m.TasksRequeued.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncDeadLettered(queue string) {
	if m == nil {
		return
	}
	m.TasksDeadLetter.WithLabelValues(queue).Inc()
}

func (m *Metrics) AddMigrated(queue string, n int) {
	if m == nil {
		return
	}
	m.TasksMigrated.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) IncRegistered() {
	if m == nil {
		return
	}
	m.AgentsRegistered.Inc()
}

func (m *Metrics) SetDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) SetProcessing(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueProcessing.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) SetDeadLetters(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDeadLetters.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}
