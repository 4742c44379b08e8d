// Package ws implements the WebSocket gateway between agent workers and the
// orchestrator. Agents connect, register as their first message, and from
// then on the gateway bridges both directions: inbound agent messages are
// published onto the orchestrator's bus channels, and the agent's own bus
// channels are drained back onto the connection. Every frame on the wire is
// sealed (encrypted and signed) when a messaging secret is configured.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/heartbeat"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/secure"
)

// Subprotocol is the WebSocket subprotocol agents must speak.
const Subprotocol = "kazi-agent-v1"

// Config tunes the gateway. Zero values fall back to the accessor defaults.
type Config struct {
	// AgentToken authenticates connecting agents. Empty disables auth.
	AgentToken string

	// RegisterTimeout bounds how long a connection may sit unregistered.
	// Default 10s.
	RegisterTimeout time.Duration

	// WriteTimeout bounds each outbound frame write. Default 10s.
	WriteTimeout time.Duration

	// ProbeTimeout bounds one capability probe round trip. Default 30s.
	ProbeTimeout time.Duration
}

func (c Config) registerTimeout() time.Duration {
	if c.RegisterTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RegisterTimeout
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return c.WriteTimeout
}

func (c Config) probeTimeout() time.Duration {
	if c.ProbeTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ProbeTimeout
}

// Server accepts agent WebSocket connections and bridges them to the bus.
type Server struct {
	cfg     Config
	bus     *bus.Bus
	sealer  *secure.Sealer
	monitor *heartbeat.Monitor
	logger  *slog.Logger
	metrics *Metrics

	// In-flight capability probes keyed by envelope correlation id.
	probeMu sync.Mutex
	probes  map[string]chan *protocol.Envelope
}

// NewServer creates the gateway. logger and metrics may be nil; monitor may
// be nil when heartbeat tracking is disabled.
func NewServer(cfg Config, b *bus.Bus, sealer *secure.Sealer, monitor *heartbeat.Monitor, logger *slog.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:     cfg,
		bus:     b,
		sealer:  sealer,
		monitor: monitor,
		logger:  logger,
		metrics: metrics,
		probes:  make(map[string]chan *protocol.Envelope),
	}
}

// Handler returns the http.Handler that upgrades agent connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AgentToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AgentToken)) != 1 {
			s.metrics.IncAuthFailed()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	regEnv, agentID, err := s.waitForRegistration(ctx, conn)
	if err != nil {
		s.logger.Warn("agent registration failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "registration required")
		return
	}
	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe to the agent's bus channels before announcing the
	// registration, so the orchestrator's ack and first assignment cannot
	// land on a channel nobody drains yet.
	tasks, unsubTasks := s.bus.Subscribe(protocol.AgentTaskChannel(agentID), 0)
	control, unsubControl := s.bus.Subscribe(protocol.AgentControlChannel(agentID), 0)
	messages, unsubMessages := s.bus.Subscribe(protocol.AgentMessageChannel(agentID), 0)
	broadcast, unsubBroadcast := s.bus.Subscribe(protocol.ChannelAgentBroadcast, 0)
	defer func() {
		unsubTasks()
		unsubControl()
		unsubMessages()
		unsubBroadcast()
	}()

	go s.writeLoop(ctx, cancel, conn, agentID, tasks, control, messages, broadcast)

	s.bus.Publish(protocol.ChannelAgentRegister, regEnv)
	s.metrics.IncReceived(string(regEnv.Type))

	s.logger.Info("agent connected", slog.String("agent_id", agentID))
	s.readLoop(ctx, conn, agentID)

	// A dropped connection does not deregister the agent: missed heartbeats
	// mark it unresponsive and the stuck-task scan recovers its work. An
	// explicit agent.deregister before disconnecting is the graceful path.
	s.logger.Info("agent disconnected", slog.String("agent_id", agentID))
}

// waitForRegistration enforces registration-first: the connection's opening
// message must be agent.register, within the registration timeout.
func (s *Server) waitForRegistration(ctx context.Context, conn *websocket.Conn) (*protocol.Envelope, string, error) {
	regCtx, cancel := context.WithTimeout(ctx, s.cfg.registerTimeout())
	defer cancel()

	env, err := s.readEnvelope(regCtx, conn)
	if err != nil {
		return nil, "", fmt.Errorf("reading registration: %w", err)
	}
	if env.Type != protocol.MsgAgentRegister {
		return nil, "", fmt.Errorf("expected %s as first message, got %s", protocol.MsgAgentRegister, env.Type)
	}

	var reg protocol.RegisterPayload
	if err := env.Decode(&reg); err != nil {
		return nil, "", fmt.Errorf("parsing registration: %w", err)
	}
	if reg.AgentID == "" {
		return nil, "", fmt.Errorf("registration without agent id")
	}

	env.AgentID = reg.AgentID
	return env, reg.AgentID, nil
}

// readLoop pumps inbound agent messages onto the bus until the connection
// or ctx dies.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		env, err := s.readEnvelope(ctx, conn)
		if err != nil {
			if errors.Is(err, secure.ErrRejected) {
				// Already logged and counted by the sealer; keep the
				// connection, drop the frame.
				continue
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Warn("agent connection error",
					slog.String("agent_id", agentID),
					slog.String("error", err.Error()))
			}
			return
		}
		env.AgentID = agentID
		s.metrics.IncReceived(string(env.Type))
		s.dispatch(ctx, agentID, env)
	}
}

// dispatch routes one inbound envelope to its bus channel.
func (s *Server) dispatch(ctx context.Context, agentID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgAgentHeartbeat:
		if s.monitor == nil {
			return
		}
		if err := s.monitor.Record(ctx, agentID); err != nil {
			s.logger.Warn("recording heartbeat failed",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()))
		}

	case protocol.MsgAgentRegister, protocol.MsgAgentDeregister:
		s.bus.Publish(protocol.ChannelAgentRegister, env)

	case protocol.MsgAgentStatus:
		s.bus.Publish(protocol.ChannelAgentStatus, env)

	case protocol.MsgAgentError:
		s.bus.Publish(protocol.ChannelAgentError, env)

	case protocol.MsgTaskComplete:
		s.bus.Publish(protocol.ChannelTaskComplete, env)

	case protocol.MsgTaskFailed:
		s.bus.Publish(protocol.ChannelTaskFailed, env)

	case protocol.MsgDirect, protocol.MsgError:
		if s.deliverProbeReply(env) {
			return
		}
		s.routeDirect(agentID, env)

	default:
		s.logger.Warn("unknown message type from agent",
			slog.String("agent_id", agentID),
			slog.String("type", string(env.Type)))
	}
}

// routeDirect relays an agent message. TaskID carries the target agent id,
// "*" broadcasts. No target means the message answered nothing we asked
// for; it is dropped rather than echoed back at the fleet.
func (s *Server) routeDirect(from string, env *protocol.Envelope) {
	target := env.TaskID
	env.TaskID = ""
	if target == "" {
		s.logger.Debug("unaddressed direct message dropped",
			slog.String("from", from),
			slog.String("message_id", env.ID))
		return
	}
	if target == "*" {
		s.bus.Publish(protocol.ChannelAgentBroadcast, env)
		return
	}
	s.bus.Publish(protocol.AgentMessageChannel(target), env)
	s.logger.Debug("direct message relayed",
		slog.String("from", from),
		slog.String("to", target))
}

// writeLoop drains the agent's bus channels onto the connection. A closed
// channel or write failure tears the connection down.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, agentID string,
	channels ...<-chan *protocol.Envelope) {
	defer cancel()

	tasks, control, messages, broadcast := channels[0], channels[1], channels[2], channels[3]
	for {
		var (
			env *protocol.Envelope
			ok  bool
		)
		select {
		case <-ctx.Done():
			return
		case env, ok = <-tasks:
		case env, ok = <-control:
		case env, ok = <-messages:
		case env, ok = <-broadcast:
		}
		if !ok {
			return
		}
		if err := s.writeEnvelope(ctx, conn, env); err != nil {
			s.logger.Warn("writing to agent failed",
				slog.String("agent_id", agentID),
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()))
			return
		}
		s.metrics.IncSent(string(env.Type))
	}
}

// Probe executes one capability probe prompt against a connected agent and
// waits for its reply, satisfying the discovery prober contract. The prompt
// travels as a direct message; the agent echoes the correlation id back.
func (s *Server) Probe(ctx context.Context, agentID, prompt string) error {
	env, err := protocol.NewEnvelope(protocol.MsgDirect, protocol.DirectMessagePayload{
		From: "gateway",
		Body: prompt,
	})
	if err != nil {
		return fmt.Errorf("building probe: %w", err)
	}
	env.AgentID = agentID

	reply := make(chan *protocol.Envelope, 1)
	s.probeMu.Lock()
	s.probes[env.ID] = reply
	s.probeMu.Unlock()
	defer func() {
		s.probeMu.Lock()
		delete(s.probes, env.ID)
		s.probeMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.probeTimeout())
	defer cancel()

	s.bus.Publish(protocol.AgentMessageChannel(agentID), env)

	select {
	case <-ctx.Done():
		return fmt.Errorf("probing %s: %w", agentID, ctx.Err())
	case resp := <-reply:
		if resp.Type == protocol.MsgError {
			var perr protocol.ErrorPayload
			if err := resp.Decode(&perr); err == nil && perr.Message != "" {
				return fmt.Errorf("probing %s: %s", agentID, perr.Message)
			}
			return fmt.Errorf("probing %s: probe rejected", agentID)
		}
		return nil
	}
}

// deliverProbeReply hands a reply to its waiting probe, if any.
func (s *Server) deliverProbeReply(env *protocol.Envelope) bool {
	s.probeMu.Lock()
	reply, ok := s.probes[env.ID]
	if ok {
		delete(s.probes, env.ID)
	}
	s.probeMu.Unlock()
	if ok {
		reply <- env
	}
	return ok
}

// readEnvelope reads one frame, opens the seal, and decodes the envelope.
func (s *Server) readEnvelope(ctx context.Context, conn *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := s.sealer.Open(data)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	return &env, nil
}

// writeEnvelope seals and writes one envelope with the write timeout.
func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	data, err := s.sealer.Seal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout())
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
