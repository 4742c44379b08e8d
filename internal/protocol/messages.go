// Package protocol defines the message envelope and channel names shared by
// the orchestrator, the gateway, and agent workers. Every message is
// JSON-encoded and wrapped in an Envelope for uniform routing; the channel an
// envelope travels on selects the audience, the Type selects handling.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/kazi/internal/domain"
)

// Channels with a fixed name. Per-agent channels are built by the helpers
// below.
const (
	ChannelAgentRegister       = "agent:register"
	ChannelAgentStatus         = "agent:status"
	ChannelAgentError          = "agent:error"
	ChannelTaskComplete        = "task:complete"
	ChannelTaskFailed          = "task:failed"
	ChannelAgentBroadcast      = "agent:broadcast"
	ChannelOrchestratorCommand = "orchestrator:command"
	ChannelOrchestratorHealth  = "orchestrator:health"
)

// AgentTaskChannel is where an agent receives its task assignments.
func AgentTaskChannel(agentID string) string { return "agent:" + agentID + ":task" }

// AgentControlChannel carries advisory control signals to one agent.
func AgentControlChannel(agentID string) string { return "agent:" + agentID + ":control" }

// AgentMessageChannel carries direct agent-to-agent messages.
func AgentMessageChannel(agentID string) string { return "agent:" + agentID + ":message" }

// MessageType identifies the kind of message inside an Envelope.
type MessageType string

const (
	// Agent → orchestrator
	MsgAgentRegister   MessageType = "agent.register"
	MsgAgentDeregister MessageType = "agent.deregister"
	MsgAgentStatus     MessageType = "agent.status"
	MsgAgentError      MessageType = "agent.error"
	MsgAgentHeartbeat  MessageType = "agent.heartbeat"
	MsgTaskComplete    MessageType = "task.complete"
	MsgTaskFailed      MessageType = "task.failed"

	// Orchestrator → agent
	MsgRegistered MessageType = "orchestrator.registered"
	MsgTaskAssign MessageType = "task.assign"
	MsgControl    MessageType = "agent.control"
	MsgHealth     MessageType = "orchestrator.health"

	// Operator → orchestrator
	MsgCommand MessageType = "orchestrator.command"

	// Bidirectional
	MsgDirect MessageType = "agent.message"
	MsgError  MessageType = "error"
)

// Envelope is the top-level wrapper for every message on the bus and on
// agent WebSocket connections.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // correlation and deduplication
	AgentID   string          `json:"agentId,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Command is an operator instruction to the orchestrator.
type Command string

const (
	CommandPause       Command = "pause"
	CommandResume      Command = "resume"
	CommandRebalance   Command = "rebalance"
	CommandHealthCheck Command = "health_check"
	CommandClearDLQ    Command = "clear_dlq"
)

// Control actions sent on an agent's control channel.
const (
	ControlTaskTimeout = "task_timeout"
	ControlShutdown    = "shutdown"
)

// --- Agent → orchestrator payloads ---

// RegisterPayload announces an agent and its capabilities.
type RegisterPayload struct {
	AgentID      string   `json:"agentId"`
	Model        string   `json:"model"`
	Capabilities []string `json:"capabilities"`
	MaxLoad      int      `json:"maxLoad"`
	Version      string   `json:"version,omitempty"`
}

// DeregisterPayload announces a graceful departure.
type DeregisterPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// StatusPayload is a self-reported agent status change.
type StatusPayload struct {
	AgentID     string `json:"agentId"`
	Status      string `json:"status"`
	CurrentLoad int    `json:"currentLoad"`
}

// AgentErrorPayload reports an agent-level error not tied to a single task.
type AgentErrorPayload struct {
	AgentID string `json:"agentId"`
	Error   string `json:"error"`
}

// HeartbeatPayload is sent periodically while an agent is alive.
type HeartbeatPayload struct {
	AgentID     string `json:"agentId"`
	CurrentLoad int    `json:"currentLoad"`
}

// TaskCompletePayload reports a finished task.
type TaskCompletePayload struct {
	TaskID     string `json:"taskId"`
	AgentID    string `json:"agentId"`
	Queue      string `json:"queue"`
	Result     string `json:"result,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// TaskFailedPayload reports a failed task attempt. The orchestrator decides
// whether the failure is transient or permanent; agents only describe it.
type TaskFailedPayload struct {
	TaskID     string `json:"taskId"`
	AgentID    string `json:"agentId"`
	Queue      string `json:"queue"`
	Error      string `json:"error"`
	DurationMS int64  `json:"durationMs"`
}

// --- Orchestrator → agent payloads ---

// RegisteredPayload confirms registration on the gateway connection.
type RegisteredPayload struct {
	AgentID string `json:"agentId"`
	Message string `json:"message,omitempty"`
}

// TaskAssignPayload hands a claimed task to an agent.
type TaskAssignPayload struct {
	Task          domain.Task `json:"task"`
	Queue         string      `json:"queue"`
	TransactionID string      `json:"transactionId"`
	MaxTokens     int         `json:"maxTokens,omitempty"`
}

// ControlPayload is an advisory signal on an agent's control channel, such
// as a task-timeout notice for work the orchestrator already recovered.
type ControlPayload struct {
	Action string `json:"action"`
	TaskID string `json:"taskId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// --- Operator payloads ---

// CommandPayload carries an orchestrator command. Queue scopes commands that
// target one queue, such as clear_dlq.
type CommandPayload struct {
	Command Command `json:"command"`
	Queue   string  `json:"queue,omitempty"`
}

// --- Shared payloads ---

// DirectMessagePayload is a message relayed between agents or broadcast to
// all of them.
type DirectMessagePayload struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// ErrorPayload is sent for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
