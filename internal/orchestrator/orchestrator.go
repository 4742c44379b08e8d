// Package orchestrator owns the task lifecycle: enqueue, assign, track
// in-flight work, retry with backoff, dead-letter, and rebalance across
// queues. One Orchestrator runs a single scheduling loop per process;
// replicas coordinate only through the store's atomic operations, so the
// pop+insert claim is the sole serialization point per queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/resilience"
	"github.com/jkaninda/kazi/internal/store"
)

// Config tunes one orchestrator instance. Zero values fall back to the
// accessor defaults below.
type Config struct {
	// ID identifies this orchestrator in health snapshots. Defaults to a
	// random id.
	ID string

	// TickInterval is the scheduling loop cadence. Default 100ms.
	TickInterval time.Duration

	// TaskTimeout marks an in-flight task stuck. Default 30m.
	TaskTimeout time.Duration

	// MaxRetries is the retry ceiling before dead-lettering. Default 5.
	MaxRetries int

	// QueueWeights orders queue scanning, highest weight first. Queues
	// without a weight sort after weighted ones, by name.
	QueueWeights map[string]int

	// AssignBurst caps assignments per queue per tick. Default 4.
	AssignBurst int

	// DeadLetterThreshold flips a queue unhealthy in the health snapshot
	// once its dead-letter count exceeds it. Default 10.
	DeadLetterThreshold int

	// FailureBatch caps failure reports analyzed per sweep. Default 50.
	FailureBatch int

	// MigrateBatch caps tasks moved per balancing migration. Default 25.
	MigrateBatch int

	// Tracer records claim and assignment spans. Nil disables tracing.
	Tracer trace.Tracer
}

func (c Config) id() string {
	if c.ID == "" {
		return "orchestrator-" + domain.NewID()
	}
	return c.ID
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.TickInterval
}

func (c Config) taskTimeout() time.Duration {
	if c.TaskTimeout <= 0 {
		return 30 * time.Minute
	}
	return c.TaskTimeout
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 5
	}
	return c.MaxRetries
}

func (c Config) assignBurst() int {
	if c.AssignBurst <= 0 {
		return 4
	}
	return c.AssignBurst
}

func (c Config) deadLetterThreshold() int {
	if c.DeadLetterThreshold <= 0 {
		return 10
	}
	return c.DeadLetterThreshold
}

func (c Config) failureBatch() int {
	if c.FailureBatch <= 0 {
		return 50
	}
	return c.FailureBatch
}

func (c Config) migrateBatch() int {
	if c.MigrateBatch <= 0 {
		return 25
	}
	return c.MigrateBatch
}

// Balancing sweep thresholds.
const (
	overloadedDepth     = 50
	overloadedAgents    = 2
	underutilizedDepth  = 5
	underutilizedAgents = 3
)

// Orchestrator coordinates queues, agents, and sweeps over one shared store.
type Orchestrator struct {
	id       string
	cfg      Config
	store    store.Store
	registry *capability.Registry
	bus      *bus.Bus
	breakers *resilience.BreakerRegistry

	paused    atomic.Bool
	startedAt time.Time

	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *Metrics
}

// New creates an orchestrator. logger and metrics may be nil; store,
// registry, bus, and breakers are required.
func New(cfg Config, st store.Store, registry *capability.Registry, b *bus.Bus, breakers *resilience.BreakerRegistry, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Orchestrator{
		id:       cfg.id(),
		cfg:      cfg,
		store:    st,
		registry: registry,
		bus:      b,
		breakers: breakers,
		tracer:   tracer,
		logger:   logger,
		metrics:  metrics,
	}
}

// ID returns the orchestrator's instance id.
func (o *Orchestrator) ID() string { return o.id }

// Paused reports whether assignment is suspended.
func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// Pause suspends the assignment path. Sweeps keep running so stuck tasks
// are still recovered while paused.
func (o *Orchestrator) Pause() {
	if !o.paused.Swap(true) {
		o.logger.Warn("orchestrator paused")
	}
}

// Resume re-enables the assignment path.
func (o *Orchestrator) Resume() {
	if o.paused.Swap(false) {
		o.logger.Info("orchestrator resumed")
	}
}

// Enqueue validates the task and appends it to the named queue. Malformed
// tasks go straight to the queue's dead-letter list and are never retried.
func (o *Orchestrator) Enqueue(ctx context.Context, queue string, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		if t != nil && t.ID != "" {
			_ = o.store.PushDeadLetter(ctx, &domain.DeadLetter{
				Task:           *t.Clone(),
				Queue:          queue,
				Reason:         err.Error(),
				DeadLetteredAt: time.Now(),
			})
			o.metrics.IncDeadLettered(queue)
			o.appendLog(ctx, domain.TxDeadLettered, queue, map[string]string{
				"taskId": t.ID,
				"reason": err.Error(),
			})
		}
		return fmt.Errorf("enqueue on %s: %w", queue, err)
	}

	task := t.Clone()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	if err := o.store.Enqueue(ctx, queue, task); err != nil {
		return fmt.Errorf("enqueue on %s: %w", queue, err)
	}

	o.metrics.IncEnqueued(queue)
	o.appendLog(ctx, domain.TxEnqueued, queue, map[string]string{"taskId": task.ID})
	o.logger.Info("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("queue", queue),
		slog.Int("priority", task.Priority))
	return nil
}

// Run executes the scheduling loop and consumes bus events until ctx is
// canceled. Sweeps (stuck scan, failure analysis, balancing, health) are
// driven externally by the scheduler, so replicas can stagger them.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()
	o.appendLog(ctx, domain.TxInitialized, "orchestrator", map[string]string{"id": o.id})
	o.logger.Info("orchestrator started",
		slog.String("id", o.id),
		slog.Duration("tick_interval", o.cfg.tickInterval()))

	registerCh, unsubRegister := o.bus.Subscribe(protocol.ChannelAgentRegister, 0)
	statusCh, unsubStatus := o.bus.Subscribe(protocol.ChannelAgentStatus, 0)
	errorCh, unsubError := o.bus.Subscribe(protocol.ChannelAgentError, 0)
	completeCh, unsubComplete := o.bus.Subscribe(protocol.ChannelTaskComplete, 0)
	failedCh, unsubFailed := o.bus.Subscribe(protocol.ChannelTaskFailed, 0)
	commandCh, unsubCommand := o.bus.Subscribe(protocol.ChannelOrchestratorCommand, 0)
	defer func() {
		unsubRegister()
		unsubStatus()
		unsubError()
		unsubComplete()
		unsubFailed()
		unsubCommand()
	}()

	ticker := time.NewTicker(o.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped", slog.String("id", o.id))
			return nil
		case <-ticker.C:
			o.tick(ctx)
		case e, ok := <-registerCh:
			if !ok {
				return nil
			}
			o.handleRegistration(ctx, e)
		case e, ok := <-statusCh:
			if !ok {
				return nil
			}
			o.handleStatus(ctx, e)
		case e, ok := <-errorCh:
			if !ok {
				return nil
			}
			o.handleAgentError(e)
		case e, ok := <-completeCh:
			if !ok {
				return nil
			}
			o.handleTaskComplete(ctx, e)
		case e, ok := <-failedCh:
			if !ok {
				return nil
			}
			o.handleTaskFailed(ctx, e)
		case e, ok := <-commandCh:
			if !ok {
				return nil
			}
			o.handleCommand(ctx, e)
		}
	}
}

// tick scans queues in priority order and assigns claimable work. Store
// errors fail the affected queue for this tick only; the next tick retries.
func (o *Orchestrator) tick(ctx context.Context) {
	if o.paused.Load() {
		return
	}
	if o.breakers.Tripped(resilience.ServiceTaskExecution) {
		// Agents are failing everything handed to them. Leave tasks queued
		// until the breaker lets a trial outcome through.
		o.logger.Debug("dispatch suspended while task execution breaker is open")
		return
	}
	started := time.Now()

	queues, err := o.orderedQueues(ctx)
	if err != nil {
		o.logger.Error("tick: listing queues", slog.String("error", err.Error()))
		return
	}

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		o.logger.Error("tick: listing agents", slog.String("error", err.Error()))
		return
	}

	for _, queue := range queues {
		model := domain.ModelFromQueue(queue)
		if model == "" {
			continue
		}
		pool := agentsForModel(agents, model)
		if len(pool) == 0 {
			continue
		}
		for i := 0; i < o.cfg.assignBurst(); i++ {
			assigned, err := o.assignNext(ctx, queue, pool)
			if err != nil {
				if !errors.Is(err, domain.ErrNoAvailableAgent) {
					o.logger.Error("tick: assignment failed",
						slog.String("queue", queue),
						slog.String("error", err.Error()))
				}
				break
			}
			if !assigned {
				break
			}
		}
	}

	o.metrics.ObserveTick(time.Since(started))
}

// assignNext claims and assigns one task from the queue. Returns false when
// the queue has no claimable task or no eligible agent.
func (o *Orchestrator) assignNext(ctx context.Context, queue string, pool []*domain.Agent) (bool, error) {
	heads, err := o.store.Pending(ctx, queue, 1)
	if err != nil {
		return false, fmt.Errorf("peek %s: %w", queue, err)
	}
	if len(heads) == 0 {
		return false, nil
	}
	head := heads[0]

	candidates := o.registry.Match(head, pool)
	if len(candidates) == 0 {
		return false, fmt.Errorf("assign %s on %s: %w", head.ID, queue, domain.ErrNoAvailableAgent)
	}
	agent := candidates[0].Agent

	ctx, span := o.tracer.Start(ctx, "task.assign", trace.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("task.id", head.ID),
		attribute.String("agent.id", agent.ID),
	))
	defer span.End()

	transactionID := domain.NewID()
	var claimed *domain.Task
	err = o.breakers.Do(resilience.ServiceStore, func() error {
		var claimErr error
		claimed, claimErr = o.store.ClaimNext(ctx, queue, agent.ID, transactionID, time.Now())
		return claimErr
	})
	if err != nil {
		return false, fmt.Errorf("claim on %s: %w", queue, err)
	}
	if claimed == nil {
		// Head was delayed or another replica claimed it first.
		return false, nil
	}

	if claimed.ID != head.ID {
		// Raced with another replica: we claimed a different task than the
		// one we matched. Re-check the chosen agent before assigning.
		if len(o.registry.Match(claimed, []*domain.Agent{agent})) == 0 {
			if _, err := o.store.RequeueFromProcessing(ctx, queue, claimed.ID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, fmt.Errorf("release %s on %s: %w", claimed.ID, queue, err)
			}
			o.logger.Debug("claimed task released after match race",
				slog.String("task_id", claimed.ID),
				slog.String("queue", queue))
			return true, nil
		}
	}

	if _, err := o.store.AdjustAgentLoad(ctx, agent.ID, 1); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("adjusting agent load",
			slog.String("agent_id", agent.ID),
			slog.String("error", err.Error()))
	}

	payload := protocol.TaskAssignPayload{
		Task:          *claimed,
		Queue:         queue,
		TransactionID: transactionID,
	}
	envelope, err := protocol.NewEnvelope(protocol.MsgTaskAssign, payload)
	if err != nil {
		return false, fmt.Errorf("assign %s: %w", claimed.ID, err)
	}
	envelope.AgentID = agent.ID
	envelope.TaskID = claimed.ID

	err = o.breakers.Do(resilience.ServiceMessaging, func() error {
		o.bus.Publish(protocol.AgentTaskChannel(agent.ID), envelope)
		return nil
	})
	if err != nil {
		o.logger.Error("publishing assignment",
			slog.String("task_id", claimed.ID),
			slog.String("agent_id", agent.ID),
			slog.String("error", err.Error()))
	}

	o.metrics.IncAssigned(queue)
	o.appendLog(ctx, domain.TxAssigned, queue, map[string]string{
		"taskId":        claimed.ID,
		"agentId":       agent.ID,
		"transactionId": transactionID,
	})
	o.logger.Info("task assigned",
		slog.String("task_id", claimed.ID),
		slog.String("queue", queue),
		slog.String("agent_id", agent.ID),
		slog.Float64("ranking", candidates[0].Ranking))
	return true, nil
}

// orderedQueues returns model queues sorted by configured weight (highest
// first), then by name for a stable scan order.
func (o *Orchestrator) orderedQueues(ctx context.Context) ([]string, error) {
	queues, err := o.store.Queues(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, q := range queues {
		if domain.ModelFromQueue(q) != "" {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := o.cfg.QueueWeights[out[i]], o.cfg.QueueWeights[out[j]]
		if wi != wj {
			return wi > wj
		}
		return out[i] < out[j]
	})
	return out, nil
}

func agentsForModel(agents []*domain.Agent, model domain.Model) []*domain.Agent {
	var out []*domain.Agent
	for _, a := range agents {
		if a.Model == model {
			out = append(out, a)
		}
	}
	return out
}

// appendLog writes a transaction log entry. Log failures are logged and
// swallowed; the log aids debugging, correctness never depends on it.
func (o *Orchestrator) appendLog(ctx context.Context, event domain.TxEvent, queue string, data map[string]string) {
	err := o.store.AppendLog(ctx, &domain.TransactionLogEntry{
		Event:     event,
		Queue:     queue,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		o.logger.Warn("appending transaction log",
			slog.String("queue", queue),
			slog.String("event", string(event)),
			slog.String("error", err.Error()))
	}
}
