package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/store"
)

// queueParam resolves a path parameter that may be either a full queue name
// ("queue:gpt-4o", "queue:failures") or a bare model name ("gpt-4o").
func queueParam(raw string) string {
	if raw == domain.FailureQueue || strings.HasPrefix(raw, "queue:") {
		return raw
	}
	return "queue:" + raw
}

// --- Task submission ---

// SubmitTaskRequest is the JSON body for POST /v1/tasks.
type SubmitTaskRequest struct {
	Prompt                string   `json:"prompt"`
	File                  string   `json:"file,omitempty"`
	Type                  string   `json:"type,omitempty"`
	Action                string   `json:"action,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities,omitempty"`
	PreferredCapabilities []string `json:"preferred_capabilities,omitempty"`
	Priority              int      `json:"priority,omitempty"` // 0 = let the router decide.
}

// SubmitTaskResponse echoes the routing decision back to the submitter.
type SubmitTaskResponse struct {
	TaskID        string   `json:"task_id"`
	Queue         string   `json:"queue"`
	Model         string   `json:"model"`
	FallbackModel string   `json:"fallback_model"`
	Priority      int      `json:"priority"`
	Tier          string   `json:"tier"`
	Score         float64  `json:"score"`
	InputTokens   int      `json:"input_tokens"`
	OutputTokens  int      `json:"output_tokens"`
	Reasoning     []string `json:"reasoning"`
	CorrelationID string   `json:"correlation_id"`
}

func (g *Gateway) handleSubmitTask(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Prompt == "" {
		return c.AbortBadRequest("prompt is required")
	}
	if req.Type == "" && req.File == "" && req.Action == "" {
		return c.AbortBadRequest("one of type, file, or action is required")
	}

	correlationID := newCorrelationID()

	task := &domain.Task{
		ID:                    domain.NewID(),
		Prompt:                req.Prompt,
		File:                  req.File,
		Type:                  domain.TaskType(req.Type),
		Action:                req.Action,
		RequiredCapabilities:  req.RequiredCapabilities,
		PreferredCapabilities: req.PreferredCapabilities,
		Priority:              req.Priority,
		CreatedAt:             time.Now().UTC(),
	}

	decision, err := g.router.RouteTask(task)
	if err != nil {
		return c.AbortBadRequest("task could not be routed")
	}
	task.Priority = decision.Priority

	g.logger.Info("http task submit",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("task_id", task.ID),
		slog.String("queue", decision.QueueName),
	)

	if err := g.orch.Enqueue(c.Context(), decision.QueueName, task); err != nil {
		if errors.Is(err, domain.ErrInvalidTask) {
			return c.AbortBadRequest("invalid task")
		}
		g.logger.Error("enqueue failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("enqueue failed")
	}

	return c.JSON(http.StatusAccepted, SubmitTaskResponse{
		TaskID:        task.ID,
		Queue:         decision.QueueName,
		Model:         string(decision.Model),
		FallbackModel: string(decision.FallbackModel),
		Priority:      decision.Priority,
		Tier:          string(decision.Complexity.Tier),
		Score:         decision.Complexity.Score,
		InputTokens:   decision.Budget.Input,
		OutputTokens:  decision.Budget.Output,
		Reasoning:     decision.Reasoning,
		CorrelationID: correlationID,
	})
}

// --- Health ---

// HealthSnapshotResponse wraps the orchestrator's health snapshot.
type HealthSnapshotResponse struct {
	Snapshot domain.HealthSnapshot `json:"snapshot"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	snap, err := g.orch.Snapshot(c.Context())
	if err != nil {
		return c.AbortInternalServerError("snapshot failed")
	}
	return c.OK(HealthSnapshotResponse{Snapshot: *snap})
}

// HealthResponse is the JSON response for the liveness and readiness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Queues ---

// QueueStatus is one queue's counters in the queue list.
type QueueStatus struct {
	Name        string `json:"name"`
	Depth       int    `json:"depth"`
	Processing  int    `json:"processing"`
	DeadLetters int    `json:"dead_letters"`
}

// QueuesResponse is the JSON response for GET /v1/queues.
type QueuesResponse struct {
	Queues   []QueueStatus `json:"queues"`
	Failures int           `json:"failures"` // Unresolved failure reports awaiting analysis.
}

func (g *Gateway) handleListQueues(c *okapi.Context) error {
	ctx := c.Context()

	names, err := g.store.Queues(ctx)
	if err != nil {
		return c.AbortInternalServerError("store unavailable")
	}

	resp := QueuesResponse{Queues: make([]QueueStatus, 0, len(names))}
	for _, name := range names {
		depth, err := g.store.Depth(ctx, name)
		if err != nil {
			return c.AbortInternalServerError("store unavailable")
		}
		processing, err := g.store.ProcessingCount(ctx, name)
		if err != nil {
			return c.AbortInternalServerError("store unavailable")
		}
		dead, err := g.store.DeadLetterCount(ctx, name)
		if err != nil {
			return c.AbortInternalServerError("store unavailable")
		}
		resp.Queues = append(resp.Queues, QueueStatus{
			Name:        name,
			Depth:       depth,
			Processing:  processing,
			DeadLetters: dead,
		})
	}

	failures, err := g.store.FailureCount(ctx)
	if err != nil {
		return c.AbortInternalServerError("store unavailable")
	}
	resp.Failures = failures

	return c.OK(resp)
}

// QueueLogResponse is the JSON response for GET /v1/queues/{name}/log.
type QueueLogResponse struct {
	Queue   string                        `json:"queue"`
	Entries []*domain.TransactionLogEntry `json:"entries"`
}

func (g *Gateway) handleQueueLog(c *okapi.Context) error {
	queue := queueParam(c.Param("name"))

	entries, err := g.store.LogEntries(c.Context(), queue, listLimit)
	if err != nil {
		return c.AbortInternalServerError("store unavailable")
	}
	return c.OK(QueueLogResponse{Queue: queue, Entries: entries})
}

// --- Agents ---

// AgentsResponse is the JSON response for GET /v1/agents.
type AgentsResponse struct {
	Agents []*domain.Agent `json:"agents"`
}

func (g *Gateway) handleListAgents(c *okapi.Context) error {
	agents, err := g.store.ListAgents(c.Context())
	if err != nil {
		return c.AbortInternalServerError("store unavailable")
	}
	return c.OK(AgentsResponse{Agents: agents})
}

// --- Dead letters ---

// DeadLettersResponse is the JSON response for GET /v1/dlq/{queue}.
type DeadLettersResponse struct {
	Queue       string               `json:"queue"`
	DeadLetters []*domain.DeadLetter `json:"dead_letters"`
}

func (g *Gateway) handleDeadLetters(c *okapi.Context) error {
	queue := queueParam(c.Param("queue"))

	letters, err := g.store.DeadLetters(c.Context(), queue, listLimit)
	if err != nil {
		return c.AbortInternalServerError("store unavailable")
	}
	return c.OK(DeadLettersResponse{Queue: queue, DeadLetters: letters})
}

// RequeueDeadLetterRequest is the JSON body for POST /v1/dlq/{queue}/requeue.
type RequeueDeadLetterRequest struct {
	TaskID string `json:"task_id"`
}

// RequeueDeadLetterResponse reports the requeued task.
type RequeueDeadLetterResponse struct {
	Status string      `json:"status"`
	Task   domain.Task `json:"task"`
}

func (g *Gateway) handleRequeueDeadLetter(c *okapi.Context) error {
	queue := queueParam(c.Param("queue"))

	var req RequeueDeadLetterRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.TaskID == "" {
		return c.AbortBadRequest("task_id is required")
	}

	task, err := g.store.RequeueDeadLetter(c.Context(), queue, req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "dead letter not found"})
		}
		return c.AbortInternalServerError("requeue failed")
	}

	g.logger.Info("dead letter requeued",
		slog.String("user_id", c.GetString("userID")),
		slog.String("queue", queue),
		slog.String("task_id", req.TaskID),
	)
	return c.OK(RequeueDeadLetterResponse{Status: "requeued", Task: *task})
}

// PurgeResponse reports how many dead letters were dropped.
type PurgeResponse struct {
	Queue  string `json:"queue"`
	Purged int    `json:"purged"`
}

func (g *Gateway) handlePurgeDeadLetters(c *okapi.Context) error {
	queue := queueParam(c.Param("queue"))

	n, err := g.store.PurgeDeadLetters(c.Context(), queue)
	if err != nil {
		return c.AbortInternalServerError("purge failed")
	}

	g.logger.Warn("dead letters purged",
		slog.String("user_id", c.GetString("userID")),
		slog.String("queue", queue),
		slog.Int("purged", n),
	)
	return c.OK(PurgeResponse{Queue: queue, Purged: n})
}

// --- Commands ---

// CommandRequest is the JSON body for POST /v1/command.
type CommandRequest struct {
	Command string `json:"command"`
	Queue   string `json:"queue,omitempty"` // Scopes clear_dlq to one queue.
}

// CommandResponse acknowledges a dispatched command.
type CommandResponse struct {
	Status  string `json:"status"`
	Command string `json:"command"`
}

func (g *Gateway) handleCommand(c *okapi.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	cmd := protocol.Command(req.Command)
	switch cmd {
	case protocol.CommandPause, protocol.CommandResume, protocol.CommandRebalance,
		protocol.CommandHealthCheck, protocol.CommandClearDLQ:
	default:
		return c.AbortBadRequest("unknown command")
	}

	queue := req.Queue
	if queue != "" {
		queue = queueParam(queue)
	}

	env, err := protocol.NewEnvelope(protocol.MsgCommand, protocol.CommandPayload{
		Command: cmd,
		Queue:   queue,
	})
	if err != nil {
		return c.AbortInternalServerError("command dispatch failed")
	}
	g.bus.Publish(protocol.ChannelOrchestratorCommand, env)

	g.logger.Info("operator command dispatched",
		slog.String("user_id", c.GetString("userID")),
		slog.String("command", req.Command),
		slog.String("queue", queue),
	)
	return c.JSON(http.StatusAccepted, CommandResponse{Status: "accepted", Command: req.Command})
}
