// Package agent implements the worker runtime behind "kazi agent": a
// WebSocket client that registers with the gateway, heartbeats, executes
// assigned tasks through a pluggable Runner, and reports results back.
// How a task actually gets done is entirely the Runner's business; the
// worker owns the protocol.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/gateway/ws"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/secure"
)

// Runner executes one task and returns its result text. Implementations
// wrap whatever actually does the work: a model API, a subprocess, a test
// fake. Execute must honor ctx cancellation.
type Runner interface {
	Execute(ctx context.Context, task *domain.Task, maxTokens int) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task *domain.Task, maxTokens int) (string, error)

func (f RunnerFunc) Execute(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
	return f(ctx, task, maxTokens)
}

// errShutdown ends the reconnect loop after a graceful drain.
var errShutdown = errors.New("agent shutdown requested")

// probeMaxTokens bounds capability probe executions.
const probeMaxTokens = 200

// Config tunes the worker. Zero values fall back to the accessor defaults.
type Config struct {
	// ID identifies this agent. Required.
	ID string

	// GatewayURL is the WebSocket gateway endpoint.
	GatewayURL string

	// Token authenticates with the gateway.
	Token string

	// Model is the worker model this agent runs.
	Model domain.Model

	// Capabilities declared at registration, e.g. "code.generation".
	Capabilities []string

	// MaxLoad is the concurrent task bound, enforced locally too. Default 1.
	MaxLoad int

	// Version reported at registration.
	Version string

	// HeartbeatInterval is the push cadence. Default 10s.
	HeartbeatInterval time.Duration

	// ReconnectInterval seeds the reconnect backoff, capped at 60s. Default 1s.
	ReconnectInterval time.Duration

	// TaskTimeout bounds one task execution. Default 5m.
	TaskTimeout time.Duration
}

func (c Config) maxLoad() int {
	if c.MaxLoad <= 0 {
		return 1
	}
	return c.MaxLoad
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 10 * time.Second
	}
	return c.HeartbeatInterval
}

func (c Config) reconnectInterval() time.Duration {
	if c.ReconnectInterval <= 0 {
		return time.Second
	}
	return c.ReconnectInterval
}

func (c Config) taskTimeout() time.Duration {
	if c.TaskTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.TaskTimeout
}

// Worker is the agent runtime. Create with NewWorker, drive with Run.
type Worker struct {
	cfg    Config
	runner Runner
	sealer *secure.Sealer
	logger *slog.Logger

	// sem bounds concurrent executions at MaxLoad.
	sem chan struct{}

	// In-flight task cancel funcs, keyed by task id, for timeout aborts.
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	tasks    sync.WaitGroup

	draining bool
}

// NewWorker creates a worker. A nil logger discards output.
func NewWorker(cfg Config, runner Runner, sealer *secure.Sealer, logger *slog.Logger) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent: id is required")
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("agent: gateway url is required")
	}
	if !cfg.Model.Valid() {
		return nil, fmt.Errorf("agent: unknown model %q", cfg.Model)
	}
	if runner == nil {
		return nil, fmt.Errorf("agent: a runner is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		cfg:    cfg,
		runner: runner,
		sealer: sealer,
		logger: logger,
		sem:    make(chan struct{}, cfg.maxLoad()),
		active: make(map[string]context.CancelFunc),
	}, nil
}

// Run connects to the gateway and serves until ctx is canceled or a
// shutdown control arrives, reconnecting with exponential backoff in
// between.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.reconnectInterval()
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := w.connectAndServe(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errShutdown) {
			return nil
		}

		wait := bo.NextBackOff()
		w.logger.Warn("gateway connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *Worker) connectAndServe(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	url := w.cfg.GatewayURL
	if w.cfg.Token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "token=" + w.cfg.Token
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{ws.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "agent closing")

	if err := w.register(ctx, conn); err != nil {
		return err
	}
	bo.Reset()
	w.logger.Info("registered with gateway",
		slog.String("agent_id", w.cfg.ID),
		slog.String("model", string(w.cfg.Model)))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(sessionCtx, conn)

	err = w.readLoop(sessionCtx, conn)

	// Graceful departure: tell the orchestrator instead of letting the
	// heartbeat TTL expire.
	if ctx.Err() != nil || errors.Is(err, errShutdown) {
		w.deregister(conn)
	}
	return err
}

// register sends agent.register and waits for the orchestrator's ack.
func (w *Worker) register(ctx context.Context, conn *websocket.Conn) error {
	env, err := protocol.NewEnvelope(protocol.MsgAgentRegister, protocol.RegisterPayload{
		AgentID:      w.cfg.ID,
		Model:        string(w.cfg.Model),
		Capabilities: w.cfg.Capabilities,
		MaxLoad:      w.cfg.maxLoad(),
		Version:      w.cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("building registration: %w", err)
	}
	env.AgentID = w.cfg.ID
	if err := w.writeEnvelope(ctx, conn, env); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		ack, err := w.readEnvelope(ackCtx, conn)
		if err != nil {
			return fmt.Errorf("waiting for registration ack: %w", err)
		}
		if ack.Type == protocol.MsgRegistered {
			return nil
		}
		// Broadcasts can interleave before the ack; anything else here is
		// unexpected.
		w.logger.Debug("message before registration ack",
			slog.String("type", string(ack.Type)))
	}
}

// deregister announces a graceful departure, best effort.
func (w *Worker) deregister(conn *websocket.Conn) {
	env, err := protocol.NewEnvelope(protocol.MsgAgentDeregister, protocol.DeregisterPayload{
		AgentID: w.cfg.ID,
		Reason:  "shutting down",
	})
	if err != nil {
		return
	}
	env.AgentID = w.cfg.ID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = w.writeEnvelope(ctx, conn, env)
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := w.readEnvelope(ctx, conn)
		if err != nil {
			if errors.Is(err, secure.ErrRejected) {
				continue
			}
			return err
		}

		switch env.Type {
		case protocol.MsgTaskAssign:
			w.handleAssignment(ctx, conn, env)

		case protocol.MsgControl:
			if err := w.handleControl(ctx, conn, env); err != nil {
				return err
			}

		case protocol.MsgDirect:
			w.handleProbe(ctx, conn, env)

		case protocol.MsgRegistered, protocol.MsgHealth:
			// Informational.

		case protocol.MsgError:
			var perr protocol.ErrorPayload
			if err := env.Decode(&perr); err == nil {
				w.logger.Error("error from gateway",
					slog.String("code", perr.Code),
					slog.String("message", perr.Message))
			}

		default:
			w.logger.Debug("unexpected message from gateway",
				slog.String("type", string(env.Type)))
		}
	}
}

func (w *Worker) handleAssignment(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	var assignment protocol.TaskAssignPayload
	if err := env.Decode(&assignment); err != nil {
		w.logger.Error("invalid task assignment", slog.String("error", err.Error()))
		return
	}
	task := assignment.Task

	if w.isDraining() {
		w.sendFailed(ctx, conn, &assignment, 0, "agent is draining")
		return
	}

	// The orchestrator tracks load too; this is the local backstop.
	select {
	case w.sem <- struct{}{}:
	default:
		w.sendFailed(ctx, conn, &assignment, 0, "agent at capacity")
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.taskTimeout())
	w.activeMu.Lock()
	w.active[task.ID] = cancel
	w.activeMu.Unlock()

	w.tasks.Add(1)
	go func() {
		defer func() {
			w.activeMu.Lock()
			delete(w.active, task.ID)
			w.activeMu.Unlock()
			cancel()
			<-w.sem
			w.tasks.Done()
		}()

		started := time.Now()
		result, err := w.runner.Execute(taskCtx, &task, assignment.MaxTokens)
		elapsed := time.Since(started).Milliseconds()
		if err != nil {
			w.logger.Warn("task failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			w.sendFailed(ctx, conn, &assignment, elapsed, err.Error())
			return
		}

		done, err := protocol.NewEnvelope(protocol.MsgTaskComplete, protocol.TaskCompletePayload{
			TaskID:     task.ID,
			AgentID:    w.cfg.ID,
			Queue:      assignment.Queue,
			Result:     result,
			DurationMS: elapsed,
		})
		if err != nil {
			w.logger.Error("encoding completion failed", slog.String("error", err.Error()))
			return
		}
		done.AgentID = w.cfg.ID
		done.TaskID = task.ID
		if err := w.writeEnvelope(ctx, conn, done); err != nil {
			w.logger.Error("reporting completion failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
		w.logger.Info("task completed",
			slog.String("task_id", task.ID),
			slog.Int64("duration_ms", elapsed))
	}()
}

func (w *Worker) sendFailed(ctx context.Context, conn *websocket.Conn, assignment *protocol.TaskAssignPayload, elapsed int64, reason string) {
	env, err := protocol.NewEnvelope(protocol.MsgTaskFailed, protocol.TaskFailedPayload{
		TaskID:     assignment.Task.ID,
		AgentID:    w.cfg.ID,
		Queue:      assignment.Queue,
		Error:      reason,
		DurationMS: elapsed,
	})
	if err != nil {
		return
	}
	env.AgentID = w.cfg.ID
	env.TaskID = assignment.Task.ID
	if err := w.writeEnvelope(ctx, conn, env); err != nil {
		w.logger.Error("reporting failure failed",
			slog.String("task_id", assignment.Task.ID),
			slog.String("error", err.Error()))
	}
}

// handleControl processes an advisory control signal. task_timeout aborts
// the named task; the orchestrator already requeued it, so no failure is
// reported. shutdown drains in-flight work and ends the session.
func (w *Worker) handleControl(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	var control protocol.ControlPayload
	if err := env.Decode(&control); err != nil {
		w.logger.Warn("invalid control message", slog.String("error", err.Error()))
		return nil
	}

	switch control.Action {
	case protocol.ControlTaskTimeout:
		w.activeMu.Lock()
		cancel, ok := w.active[control.TaskID]
		w.activeMu.Unlock()
		if ok {
			w.logger.Warn("aborting timed-out task",
				slog.String("task_id", control.TaskID))
			cancel()
		}
		return nil

	case protocol.ControlShutdown:
		w.logger.Info("shutdown requested, draining",
			slog.String("reason", control.Reason))
		w.setDraining()
		w.tasks.Wait()
		return errShutdown

	default:
		w.logger.Debug("unknown control action", slog.String("action", control.Action))
		return nil
	}
}

// handleProbe answers a capability probe: run the prompt through the
// runner and echo the correlation id back, or report the failure.
func (w *Worker) handleProbe(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	var msg protocol.DirectMessagePayload
	if err := env.Decode(&msg); err != nil {
		return
	}

	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, w.cfg.taskTimeout())
		defer cancel()

		probe := &domain.Task{ID: env.ID, Prompt: msg.Body, Type: domain.TaskTypeAnalysis}
		_, err := w.runner.Execute(probeCtx, probe, probeMaxTokens)

		var reply *protocol.Envelope
		var encErr error
		if err != nil {
			reply, encErr = protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
				Code:    "probe_failed",
				Message: err.Error(),
			})
		} else {
			reply, encErr = protocol.NewEnvelope(protocol.MsgDirect, protocol.DirectMessagePayload{
				From: w.cfg.ID,
				Body: "ok",
			})
		}
		if encErr != nil {
			return
		}
		reply.ID = env.ID
		reply.AgentID = w.cfg.ID
		if err := w.writeEnvelope(ctx, conn, reply); err != nil {
			w.logger.Debug("probe reply failed", slog.String("error", err.Error()))
		}
	}()
}

func (w *Worker) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.MsgAgentHeartbeat, protocol.HeartbeatPayload{
				AgentID:     w.cfg.ID,
				CurrentLoad: len(w.sem),
			})
			if err != nil {
				return
			}
			env.AgentID = w.cfg.ID
			if err := w.writeEnvelope(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (w *Worker) isDraining() bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return w.draining
}

func (w *Worker) setDraining() {
	w.activeMu.Lock()
	w.draining = true
	w.activeMu.Unlock()
}

func (w *Worker) readEnvelope(ctx context.Context, conn *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := w.sealer.Open(data)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	return &env, nil
}

func (w *Worker) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	data, err := w.sealer.Seal(payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
