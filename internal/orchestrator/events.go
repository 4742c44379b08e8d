package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/resilience"
	"github.com/jkaninda/kazi/internal/store"
)

// handleRegistration processes agent registration and deregistration
// envelopes from the gateway.
func (o *Orchestrator) handleRegistration(ctx context.Context, e *protocol.Envelope) {
	switch e.Type {
	case protocol.MsgAgentRegister:
		var p protocol.RegisterPayload
		if err := e.Decode(&p); err != nil {
			o.logger.Warn("malformed register payload", slog.String("error", err.Error()))
			return
		}
		o.registerAgent(ctx, p)
	case protocol.MsgAgentDeregister:
		var p protocol.DeregisterPayload
		if err := e.Decode(&p); err != nil {
			o.logger.Warn("malformed deregister payload", slog.String("error", err.Error()))
			return
		}
		o.deregisterAgent(ctx, p)
	default:
		o.logger.Debug("unexpected message on register channel", slog.String("type", string(e.Type)))
	}
}

func (o *Orchestrator) registerAgent(ctx context.Context, p protocol.RegisterPayload) {
	if p.AgentID == "" || p.Model == "" {
		o.logger.Warn("rejecting registration without agent id or model")
		return
	}
	model := domain.Model(p.Model)
	if !model.Valid() {
		o.logger.Warn("rejecting registration for unknown model",
			slog.String("agent_id", p.AgentID),
			slog.String("model", p.Model))
		return
	}
	maxLoad := p.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 1
	}

	agent := &domain.Agent{
		ID:            p.AgentID,
		Model:         model,
		Capabilities:  p.Capabilities,
		MaxLoad:       maxLoad,
		Status:        domain.AgentActive,
		RegisteredAt:  time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if existing, err := o.store.GetAgent(ctx, p.AgentID); err == nil {
		// Re-registration revives the record but keeps its history.
		agent.Performance = existing.Performance
		agent.RegisteredAt = existing.RegisteredAt
	}
	if err := o.store.PutAgent(ctx, agent); err != nil {
		o.logger.Error("storing agent registration",
			slog.String("agent_id", p.AgentID),
			slog.String("error", err.Error()))
		return
	}

	declared := make([]capability.Declaration, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		declared = append(declared, capability.Declaration{Capability: c})
	}
	// Bind declared capabilities only. Probing a live agent goes through
	// the discovery sweep; doing it here would stall the event loop and
	// hold back the registration ack.
	if err := o.registry.RegisterAgentCapabilities(ctx, p.AgentID, declared, false); err != nil {
		o.logger.Warn("registering agent capabilities",
			slog.String("agent_id", p.AgentID),
			slog.String("error", err.Error()))
	}

	ack, err := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredPayload{
		AgentID: p.AgentID,
		Message: "registered with orchestrator " + o.id,
	})
	if err == nil {
		ack.AgentID = p.AgentID
		o.bus.Publish(protocol.AgentMessageChannel(p.AgentID), ack)
	}

	o.metrics.IncRegistered()
	o.logger.Info("agent registered",
		slog.String("agent_id", p.AgentID),
		slog.String("model", p.Model),
		slog.Int("max_load", maxLoad),
		slog.Int("capabilities", len(p.Capabilities)))
}

func (o *Orchestrator) deregisterAgent(ctx context.Context, p protocol.DeregisterPayload) {
	if err := o.store.DeregisterAgent(ctx, p.AgentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("deregistering agent",
			slog.String("agent_id", p.AgentID),
			slog.String("error", err.Error()))
		return
	}
	o.registry.RemoveAgent(p.AgentID)
	o.logger.Info("agent deregistered",
		slog.String("agent_id", p.AgentID),
		slog.String("reason", p.Reason))
}

// handleStatus folds self-reported status and heartbeat envelopes into the
// agent registry.
func (o *Orchestrator) handleStatus(ctx context.Context, e *protocol.Envelope) {
	switch e.Type {
	case protocol.MsgAgentStatus:
		var p protocol.StatusPayload
		if err := e.Decode(&p); err != nil {
			o.logger.Warn("malformed status payload", slog.String("error", err.Error()))
			return
		}
		status := domain.AgentStatus(p.Status)
		switch status {
		case domain.AgentActive, domain.AgentOverloaded, domain.AgentUnresponsive:
		default:
			o.logger.Warn("ignoring unknown agent status",
				slog.String("agent_id", p.AgentID),
				slog.String("status", p.Status))
			return
		}
		if err := o.store.SetAgentStatus(ctx, p.AgentID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("updating agent status",
				slog.String("agent_id", p.AgentID),
				slog.String("error", err.Error()))
		}
	case protocol.MsgAgentHeartbeat:
		// Heartbeat TTLs are recorded at the gateway; nothing to do here.
	default:
		o.logger.Debug("unexpected message on status channel", slog.String("type", string(e.Type)))
	}
}

func (o *Orchestrator) handleAgentError(e *protocol.Envelope) {
	var p protocol.AgentErrorPayload
	if err := e.Decode(&p); err != nil {
		o.logger.Warn("malformed agent error payload", slog.String("error", err.Error()))
		return
	}
	o.logger.Error("agent reported error",
		slog.String("agent_id", p.AgentID),
		slog.String("error", p.Error))
}

// handleTaskComplete finalizes a finished task: the processing record is
// removed, the agent's load and performance are updated, and the outcome
// feeds the capability scores used by future matching.
func (o *Orchestrator) handleTaskComplete(ctx context.Context, e *protocol.Envelope) {
	var p protocol.TaskCompletePayload
	if err := e.Decode(&p); err != nil {
		o.logger.Warn("malformed completion payload", slog.String("error", err.Error()))
		return
	}

	rec, err := o.store.FinishProcessing(ctx, p.Queue, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already recovered by the stuck-task scan or another replica.
			o.logger.Debug("completion for task no longer in processing",
				slog.String("task_id", p.TaskID),
				slog.String("queue", p.Queue))
			return
		}
		o.logger.Error("finishing task",
			slog.String("task_id", p.TaskID),
			slog.String("queue", p.Queue),
			slog.String("error", err.Error()))
		return
	}

	duration := time.Duration(p.DurationMS) * time.Millisecond
	o.recordOutcome(ctx, rec, p.AgentID, true, duration)
	_ = o.breakers.Do(resilience.ServiceTaskExecution, func() error { return nil })

	o.metrics.IncCompleted(p.Queue)
	o.appendLog(ctx, domain.TxCompleted, p.Queue, map[string]string{
		"taskId":  p.TaskID,
		"agentId": p.AgentID,
	})
	o.logger.Info("task completed",
		slog.String("task_id", p.TaskID),
		slog.String("queue", p.Queue),
		slog.String("agent_id", p.AgentID),
		slog.Duration("duration", duration))
}

// handleTaskFailed moves a failed task into the failures queue for the
// analysis sweep and updates agent bookkeeping. The orchestrator, not the
// agent, decides whether the failure is transient.
func (o *Orchestrator) handleTaskFailed(ctx context.Context, e *protocol.Envelope) {
	var p protocol.TaskFailedPayload
	if err := e.Decode(&p); err != nil {
		o.logger.Warn("malformed failure payload", slog.String("error", err.Error()))
		return
	}

	rec, err := o.store.FailProcessing(ctx, p.Queue, p.TaskID, p.AgentID, p.Error, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Debug("failure for task no longer in processing",
				slog.String("task_id", p.TaskID),
				slog.String("queue", p.Queue))
			return
		}
		o.logger.Error("recording task failure",
			slog.String("task_id", p.TaskID),
			slog.String("queue", p.Queue),
			slog.String("error", err.Error()))
		return
	}

	duration := time.Duration(p.DurationMS) * time.Millisecond
	o.recordOutcome(ctx, &domain.ProcessingRecord{Task: rec.Task, Queue: p.Queue}, p.AgentID, false, duration)
	// Consecutive failures across the fleet trip the execution breaker,
	// which suspends dispatch until a trial outcome closes it again.
	_ = o.breakers.Do(resilience.ServiceTaskExecution, func() error { return errors.New(p.Error) })

	o.metrics.IncFailed(p.Queue)
	o.appendLog(ctx, domain.TxFailed, p.Queue, map[string]string{
		"taskId":  p.TaskID,
		"agentId": p.AgentID,
		"error":   p.Error,
	})
	o.logger.Warn("task failed",
		slog.String("task_id", p.TaskID),
		slog.String("queue", p.Queue),
		slog.String("agent_id", p.AgentID),
		slog.String("error", p.Error))
}

// recordOutcome updates agent load, performance, and capability scores for
// one finished attempt.
func (o *Orchestrator) recordOutcome(ctx context.Context, rec *domain.ProcessingRecord, agentID string, success bool, duration time.Duration) {
	if _, err := o.store.AdjustAgentLoad(ctx, agentID, -1); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("adjusting agent load",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
	}
	if err := o.store.RecordAgentResult(ctx, agentID, success, duration); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("recording agent result",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
	}

	req := capability.Extract(&rec.Task)
	for _, capID := range append(append([]string(nil), req.Required...), req.Preferred...) {
		err := o.registry.UpdateCapabilityPerformance(agentID, capID, success, duration)
		if err != nil && !errors.Is(err, capability.ErrUnknownBinding) {
			o.logger.Warn("updating capability performance",
				slog.String("agent_id", agentID),
				slog.String("capability", capID),
				slog.String("error", err.Error()))
		}
	}
}

// handleCommand executes operator commands from the command channel.
func (o *Orchestrator) handleCommand(ctx context.Context, e *protocol.Envelope) {
	var p protocol.CommandPayload
	if err := e.Decode(&p); err != nil {
		o.logger.Warn("malformed command payload", slog.String("error", err.Error()))
		return
	}
	o.logger.Info("command received",
		slog.String("command", string(p.Command)),
		slog.String("queue", p.Queue))

	switch p.Command {
	case protocol.CommandPause:
		o.Pause()
	case protocol.CommandResume:
		o.Resume()
	case protocol.CommandRebalance:
		if err := o.Balance(ctx); err != nil {
			o.logger.Error("rebalance command", slog.String("error", err.Error()))
		}
	case protocol.CommandHealthCheck:
		if err := o.PublishHealth(ctx); err != nil {
			o.logger.Error("health check command", slog.String("error", err.Error()))
		}
	case protocol.CommandClearDLQ:
		if p.Queue == "" {
			o.logger.Warn("clear_dlq command without a queue")
			return
		}
		n, err := o.store.PurgeDeadLetters(ctx, p.Queue)
		if err != nil {
			o.logger.Error("purging dead letters",
				slog.String("queue", p.Queue),
				slog.String("error", err.Error()))
			return
		}
		o.logger.Info("dead letters purged",
			slog.String("queue", p.Queue),
			slog.Int("purged", n))
	default:
		o.logger.Warn("unknown command", slog.String("command", string(p.Command)))
	}
}
