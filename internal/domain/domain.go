// Package domain defines cross-cutting entity types shared by the queue
// orchestrator, capability matcher, complexity router, and resilience layer.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Model identifies a worker model. The set is closed so that routing and
// fallback tables are checked at compile time instead of failing on a
// missing map key at runtime.
type Model string

const (
	ModelClaudeOpus    Model = "claude-3-opus"
	ModelClaudeSonnet  Model = "claude-3-sonnet"
	ModelClaudeHaiku   Model = "claude-3-haiku"
	ModelGPT4o         Model = "gpt-4o"
	ModelGPT4oMini     Model = "gpt-4o-mini"
	ModelDeepseekCoder Model = "deepseek-coder"
)

// AllModels lists every known model in declaration order.
func AllModels() []Model {
	return []Model{
		ModelClaudeOpus,
		ModelClaudeSonnet,
		ModelClaudeHaiku,
		ModelGPT4o,
		ModelGPT4oMini,
		ModelDeepseekCoder,
	}
}

// Valid reports whether m is a known model.
func (m Model) Valid() bool {
	for _, known := range AllModels() {
		if m == known {
			return true
		}
	}
	return false
}

// QueueName returns the queue a model's workers consume from ("queue:<model>").
func (m Model) QueueName() string {
	return "queue:" + string(m)
}

// FailureQueue is the shared queue holding failure reports awaiting analysis.
const FailureQueue = "queue:failures"

// ModelFromQueue extracts the model from a "queue:<model>" name.
// Returns "" when the name does not address a model queue.
func ModelFromQueue(queue string) Model {
	name, ok := strings.CutPrefix(queue, "queue:")
	if !ok || name == "failures" {
		return ""
	}
	return Model(name)
}

// TaskType classifies the kind of work a task asks for.
type TaskType string

const (
	TaskTypeBugfix        TaskType = "bugfix"
	TaskTypeFeature       TaskType = "feature"
	TaskTypeRefactor      TaskType = "refactor"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeSecurity      TaskType = "security"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeGeneral       TaskType = "general"
)

// TaskStatus tracks a task through its lifecycle:
// available → assigned → (completed | retry_pending → available | dead_lettered).
type TaskStatus string

const (
	TaskAvailable    TaskStatus = "available"
	TaskAssigned     TaskStatus = "assigned"
	TaskCompleted    TaskStatus = "completed"
	TaskRetryPending TaskStatus = "retry_pending"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

// Task is a unit of work bound for a model queue.
// ID, Prompt, File, Type, Action, and the capability lists are immutable once
// created; Retries, AssignedAgent, and TransactionID mutate during the
// lifecycle. The ID is stable across re-enqueues.
type Task struct {
	ID                    string    `json:"id"`
	Prompt                string    `json:"prompt"`
	File                  string    `json:"file,omitempty"`
	Type                  TaskType  `json:"type,omitempty"`
	Action                string    `json:"action,omitempty"`
	RequiredCapabilities  []string  `json:"requiredCapabilities,omitempty"`
	PreferredCapabilities []string  `json:"preferredCapabilities,omitempty"`
	Priority              int       `json:"priority"`
	Retries               int       `json:"retries,omitempty"`
	CreatedAt             time.Time `json:"timestamp"`
	AssignedAgent         string    `json:"assignedAgent,omitempty"`
	TransactionID         string    `json:"transactionId,omitempty"`
}

// Validate checks the invariants Enqueue enforces: an id, a prompt, and at
// least one of file, action, or type.
func (t *Task) Validate() error {
	if t == nil {
		return ErrInvalidTask
	}
	if t.ID == "" || t.Prompt == "" {
		return ErrInvalidTask
	}
	if t.File == "" && t.Action == "" && t.Type == "" {
		return ErrInvalidTask
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.PreferredCapabilities != nil {
		cp.PreferredCapabilities = append([]string(nil), t.PreferredCapabilities...)
	}
	return &cp
}

// ProcessingRecord is one entry in a queue's processing map: the claimed task
// plus who holds it and since when.
type ProcessingRecord struct {
	Task          Task      `json:"task"`
	Queue         string    `json:"queue"`
	AgentID       string    `json:"agentId"`
	StartedAt     time.Time `json:"startedAt"`
	TransactionID string    `json:"transactionId"`
}

// FailureReport is a task failure pushed by an agent, queued for analysis.
// ID identifies the report itself; the same task can fail more than once.
type FailureReport struct {
	ID         string    `json:"id"`
	Task       Task      `json:"task"`
	Queue      string    `json:"queue"`
	AgentID    string    `json:"agentId"`
	Error      string    `json:"error"`
	ReportedAt time.Time `json:"reportedAt"`
}

// DeadLetter is a terminal record for a task that exhausted retries or was
// invalid. It keeps the original task, the reason, and the failing queue for
// forensic replay.
type DeadLetter struct {
	Task           Task      `json:"task"`
	Queue          string    `json:"queue"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// ReasonMaxRetries is the dead-letter reason for tasks past the retry ceiling.
const ReasonMaxRetries = "Max retries exceeded"

// AgentStatus tracks a registered worker's availability.
type AgentStatus string

const (
	AgentActive       AgentStatus = "active"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentOverloaded   AgentStatus = "overloaded"
	// AgentInactive marks a soft-deleted agent. The record is kept for audit
	// history and revived on re-registration.
	AgentInactive AgentStatus = "inactive"
)

// AgentPerformance is the rolling outcome record kept per agent.
type AgentPerformance struct {
	TasksCompleted    int     `json:"tasksCompleted"`
	TasksFailed       int     `json:"tasksFailed"`
	AvgProcessingTime float64 `json:"avgProcessingTime"` // milliseconds, incremental mean
}

// SuccessRate returns completed/(completed+failed), or 1 when no history
// exists so new agents are not penalized.
func (p AgentPerformance) SuccessRate() float64 {
	total := p.TasksCompleted + p.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(p.TasksCompleted) / float64(total)
}

// Agent is a registered worker bound to one model.
type Agent struct {
	ID            string           `json:"id"`
	Model         Model            `json:"model"`
	Capabilities  []string         `json:"capabilities"`
	MaxLoad       int              `json:"maxLoad"`
	CurrentLoad   int              `json:"currentLoad"`
	Status        AgentStatus      `json:"status"`
	Performance   AgentPerformance `json:"performance"`
	RegisteredAt  time.Time        `json:"registeredAt"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
}

// Available reports whether the agent can take another task right now.
func (a *Agent) Available() bool {
	return a != nil && a.Status == AgentActive && a.CurrentLoad < a.MaxLoad
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}

// TxEvent names a transaction log event.
type TxEvent string

const (
	TxInitialized  TxEvent = "initialized"
	TxEnqueued     TxEvent = "enqueued"
	TxAssigned     TxEvent = "assigned"
	TxCompleted    TxEvent = "completed"
	TxFailed       TxEvent = "failed"
	TxRequeued     TxEvent = "requeued"
	TxDeadLettered TxEvent = "dead_lettered"
	TxMigrated     TxEvent = "migrated"
)

// TransactionLogEntry is one append-only audit record in a queue's capped log.
// The log aids debugging; recovery correctness never depends on it.
type TransactionLogEntry struct {
	Event     TxEvent           `json:"event"`
	Queue     string            `json:"queue"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// TxLogCap bounds each queue's transaction log; older entries are pruned.
const TxLogCap = 10000

// NewID generates a new random id string.
func NewID() string {
	return uuid.New().String()
}
