package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/resilience"
	"github.com/jkaninda/kazi/internal/store"
)

// Transient failure patterns. Anything else is treated as permanent by
// classifyFailure; the retry ceiling still applies either way.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout|timed out`),
	regexp.MustCompile(`(?i)connection (reset|refused|closed)`),
	regexp.MustCompile(`(?i)dns|no such host|name resolution`),
	regexp.MustCompile(`(?i)rate.?limit|too many requests|429`),
	regexp.MustCompile(`(?i)temporary_failure|temporarily unavailable|try again`),
	regexp.MustCompile(`(?i)unavailable|503`),
}

// classifyFailure maps a reported error string onto the worker error
// taxonomy.
func classifyFailure(message string) error {
	for _, p := range transientPatterns {
		if p.MatchString(message) {
			return domain.ErrTransientWorker
		}
	}
	return domain.ErrPermanentWorker
}

// fallbackModels is the static retry fallback graph: on failure a task
// prefers the failing model's fallback queue over its origin. Closed over
// the model set so a missing edge is a compile-time hole.
var fallbackModels = map[domain.Model]domain.Model{
	domain.ModelClaudeOpus:    domain.ModelGPT4o,
	domain.ModelClaudeSonnet:  domain.ModelGPT4o,
	domain.ModelClaudeHaiku:   domain.ModelGPT4oMini,
	domain.ModelGPT4o:         domain.ModelClaudeSonnet,
	domain.ModelGPT4oMini:     domain.ModelClaudeHaiku,
	domain.ModelDeepseekCoder: domain.ModelClaudeSonnet,
}

// determineRetryQueue picks the queue a failed task retries on: the failing
// model's fallback queue when one exists, otherwise the origin queue.
func determineRetryQueue(origin string) string {
	model := domain.ModelFromQueue(origin)
	if fallback, ok := fallbackModels[model]; ok {
		return fallback.QueueName()
	}
	return origin
}

// retryDelay returns the exponential backoff before attempt number
// `retries` (the already-incremented count) becomes claimable again.
func retryDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 20 {
		retries = 20
	}
	return time.Duration(1<<uint(retries)) * time.Second
}

// ScanStuck recovers in-flight tasks older than the task timeout: under the
// retry ceiling they are re-enqueued with backoff, past it they are
// dead-lettered. The owning agent gets an advisory task_timeout control
// message either way; no acknowledgment is awaited before reassignment.
func (o *Orchestrator) ScanStuck(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-o.cfg.taskTimeout())

	queues, err := o.orderedQueues(ctx)
	if err != nil {
		return fmt.Errorf("stuck scan: %w", err)
	}

	for _, queue := range queues {
		var stuck []*domain.ProcessingRecord
		err := o.breakers.Do(resilience.ServiceStore, func() error {
			var scanErr error
			stuck, scanErr = o.store.StuckProcessing(ctx, queue, cutoff)
			return scanErr
		})
		if err != nil {
			o.logger.Error("stuck scan failed for queue",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}

		for _, rec := range stuck {
			o.recoverStuck(ctx, queue, rec, now)
		}
	}
	return nil
}

func (o *Orchestrator) recoverStuck(ctx context.Context, queue string, rec *domain.ProcessingRecord, now time.Time) {
	if rec.Task.Retries < o.cfg.maxRetries() {
		delay := retryDelay(rec.Task.Retries + 1)
		task, err := o.store.RequeueFromProcessing(ctx, queue, rec.Task.ID, now.Add(delay))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Error("requeueing stuck task",
					slog.String("task_id", rec.Task.ID),
					slog.String("queue", queue),
					slog.String("error", err.Error()))
			}
			return
		}
		o.metrics.IncRequeued(queue)
		o.appendLog(ctx, domain.TxRequeued, queue, map[string]string{
			"taskId":  task.ID,
			"retries": fmt.Sprint(task.Retries),
			"delay":   delay.String(),
		})
		o.logger.Warn("stuck task requeued",
			slog.String("task_id", task.ID),
			slog.String("queue", queue),
			slog.Int("retries", task.Retries),
			slog.Duration("delay", delay))
	} else {
		d, err := o.store.DeadLetterFromProcessing(ctx, queue, rec.Task.ID, domain.ReasonMaxRetries, now)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Error("dead-lettering stuck task",
					slog.String("task_id", rec.Task.ID),
					slog.String("queue", queue),
					slog.String("error", err.Error()))
			}
			return
		}
		o.metrics.IncDeadLettered(queue)
		o.appendLog(ctx, domain.TxDeadLettered, queue, map[string]string{
			"taskId": d.Task.ID,
			"reason": d.Reason,
		})
		o.logger.Error("stuck task dead-lettered",
			slog.String("task_id", d.Task.ID),
			slog.String("queue", queue),
			slog.String("reason", d.Reason))
	}

	o.notifyTimeout(rec.AgentID, rec.Task.ID)
}

// notifyTimeout sends the advisory task_timeout control message so the
// agent can abort local work it no longer owns.
func (o *Orchestrator) notifyTimeout(agentID, taskID string) {
	if agentID == "" {
		return
	}
	e, err := protocol.NewEnvelope(protocol.MsgControl, protocol.ControlPayload{
		Action: protocol.ControlTaskTimeout,
		TaskID: taskID,
		Reason: "task exceeded processing timeout",
	})
	if err != nil {
		return
	}
	e.AgentID = agentID
	e.TaskID = taskID
	o.bus.Publish(protocol.AgentControlChannel(agentID), e)
}

// ProcessFailures analyzes queued failure reports: retryable failures are
// re-enqueued with backoff on the fallback queue, the rest are
// dead-lettered with the triggering error. CircuitOpen rejections are never
// charged against the retry budget.
func (o *Orchestrator) ProcessFailures(ctx context.Context) error {
	var reports []*domain.FailureReport
	err := o.breakers.Do(resilience.ServiceStore, func() error {
		var peekErr error
		reports, peekErr = o.store.PeekFailures(ctx, o.cfg.failureBatch())
		return peekErr
	})
	if err != nil {
		return fmt.Errorf("failure sweep: %w", err)
	}

	for _, report := range reports {
		o.resolveFailure(ctx, report)
	}
	return nil
}

func (o *Orchestrator) resolveFailure(ctx context.Context, report *domain.FailureReport) {
	// Deliberately lenient: the retry ceiling alone decides dead-lettering.
	// A failure that classifies as permanent still gets retried while under
	// the ceiling, because an agent reporting "permanent" can be wrong
	// about a task another agent would complete. Do not tighten this to
	// dead-letter permanent classes immediately.
	class := classifyFailure(report.Error)
	retryable := errors.Is(class, domain.ErrTransientWorker) || report.Task.Retries < o.cfg.maxRetries()

	if !retryable || report.Task.Retries >= o.cfg.maxRetries() {
		reason := report.Error
		if report.Task.Retries >= o.cfg.maxRetries() {
			reason = domain.ReasonMaxRetries
		}
		err := o.store.DeadLetterFailure(ctx, report.ID, &domain.DeadLetter{
			Task:           report.Task,
			Queue:          report.Queue,
			Reason:         reason,
			DeadLetteredAt: time.Now(),
		})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Error("dead-lettering failed task",
					slog.String("task_id", report.Task.ID),
					slog.String("error", err.Error()))
			}
			return
		}
		o.metrics.IncDeadLettered(report.Queue)
		o.appendLog(ctx, domain.TxDeadLettered, report.Queue, map[string]string{
			"taskId": report.Task.ID,
			"reason": reason,
		})
		o.logger.Error("failed task dead-lettered",
			slog.String("task_id", report.Task.ID),
			slog.String("queue", report.Queue),
			slog.String("reason", reason))
		return
	}

	retryQueue := determineRetryQueue(report.Queue)
	task := report.Task.Clone()
	task.Retries++
	task.AssignedAgent = ""
	task.TransactionID = ""
	delay := retryDelay(task.Retries)

	if err := o.store.RequeueFailure(ctx, report.ID, retryQueue, task, time.Now().Add(delay)); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("requeueing failed task",
				slog.String("task_id", task.ID),
				slog.String("queue", retryQueue),
				slog.String("error", err.Error()))
		}
		return
	}
	o.metrics.IncRequeued(retryQueue)
	o.appendLog(ctx, domain.TxRequeued, retryQueue, map[string]string{
		"taskId":  task.ID,
		"from":    report.Queue,
		"retries": fmt.Sprint(task.Retries),
		"error":   report.Error,
	})
	o.logger.Warn("failed task requeued",
		slog.String("task_id", task.ID),
		slog.String("from", report.Queue),
		slog.String("to", retryQueue),
		slog.Int("retries", task.Retries),
		slog.Duration("delay", delay))
}

// Balance compares queue depth against available-agent counts and migrates
// pending work from overloaded queues toward underutilized fallback queues.
// Only unclaimed tasks ever move; in-flight work is never reassigned here.
func (o *Orchestrator) Balance(ctx context.Context) error {
	queues, err := o.orderedQueues(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	type queueLoad struct {
		depth     int
		available int
	}
	loads := make(map[string]queueLoad, len(queues))
	for _, queue := range queues {
		depth, err := o.store.Depth(ctx, queue)
		if err != nil {
			o.logger.Error("balance: reading depth",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		available := 0
		for _, a := range agentsForModel(agents, domain.ModelFromQueue(queue)) {
			if a.Available() {
				available++
			}
		}
		loads[queue] = queueLoad{depth: depth, available: available}
	}

	for _, queue := range queues {
		l := loads[queue]
		if l.depth <= overloadedDepth || l.available >= overloadedAgents {
			continue
		}

		target := determineRetryQueue(queue)
		tl, ok := loads[target]
		if target == queue || !ok || tl.depth >= underutilizedDepth || tl.available <= underutilizedAgents {
			// No underutilized destination: publish a hint and move on.
			o.publishRebalanceHint(queue, l.depth, l.available)
			continue
		}

		moved, err := o.store.MigratePending(ctx, queue, target, o.cfg.migrateBatch())
		if err != nil {
			o.logger.Error("balance: migrating tasks",
				slog.String("from", queue),
				slog.String("to", target),
				slog.String("error", err.Error()))
			continue
		}
		if moved == 0 {
			continue
		}
		o.metrics.AddMigrated(queue, moved)
		o.appendLog(ctx, domain.TxMigrated, queue, map[string]string{
			"to":    target,
			"moved": fmt.Sprint(moved),
		})
		o.logger.Info("queue rebalanced",
			slog.String("from", queue),
			slog.String("to", target),
			slog.Int("moved", moved))
	}
	return nil
}

func (o *Orchestrator) publishRebalanceHint(queue string, depth, available int) {
	e, err := protocol.NewEnvelope(protocol.MsgCommand, protocol.CommandPayload{
		Command: protocol.CommandRebalance,
		Queue:   queue,
	})
	if err != nil {
		return
	}
	o.bus.Publish(protocol.ChannelOrchestratorHealth, e)
	o.logger.Warn("queue overloaded, no migration target",
		slog.String("queue", queue),
		slog.Int("depth", depth),
		slog.Int("available_agents", available))
}

// Snapshot assembles the health snapshot served by the operator API and
// published on the health channel.
func (o *Orchestrator) Snapshot(ctx context.Context) (*domain.HealthSnapshot, error) {
	status := "running"
	if o.paused.Load() {
		status = "paused"
	}
	snap := &domain.HealthSnapshot{
		Orchestrator: domain.OrchestratorHealth{
			ID:     o.id,
			Status: status,
			Uptime: time.Since(o.startedAt),
		},
		Queues: make(map[string]domain.QueueHealth),
		Agents: make(map[string]domain.AgentHealth),
	}

	queues, err := o.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("health snapshot: %w", err)
	}
	for _, queue := range queues {
		depth, derr := o.store.Depth(ctx, queue)
		processing, perr := o.store.ProcessingCount(ctx, queue)
		failed, ferr := o.store.DeadLetterCount(ctx, queue)
		healthy := derr == nil && perr == nil && ferr == nil && failed <= o.cfg.deadLetterThreshold()
		snap.Queues[queue] = domain.QueueHealth{
			Depth:      depth,
			Processing: processing,
			Failed:     failed,
			Healthy:    healthy,
		}
		o.metrics.SetDepth(queue, depth)
		o.metrics.SetProcessing(queue, processing)
		o.metrics.SetDeadLetters(queue, failed)
	}

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("health snapshot: %w", err)
	}
	for _, a := range agents {
		snap.Agents[a.ID] = domain.AgentHealth{
			Model:       a.Model,
			Status:      a.Status,
			Load:        a.CurrentLoad,
			Performance: a.Performance,
			Healthy:     a.Status == domain.AgentActive,
		}
	}
	return snap, nil
}

// PublishHealth publishes the current snapshot on the health channel.
func (o *Orchestrator) PublishHealth(ctx context.Context) error {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return err
	}
	e, err := protocol.NewEnvelope(protocol.MsgHealth, snap)
	if err != nil {
		return fmt.Errorf("health snapshot: %w", err)
	}
	o.bus.Publish(protocol.ChannelOrchestratorHealth, e)
	return nil
}
