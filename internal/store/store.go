// Package store defines the durable queue store contract and provides the
// in-memory implementation. The store is the single source of truth for
// queue state: orchestrator replicas coordinate exclusively through its
// atomic operations, never through in-process locks.
//
// Logical schema: an ordered pending list per queue ("queue:<model>"), a
// processing map per queue keyed by task id, a dead-letter list per queue,
// one shared failures queue, an agent registry, a capped transaction log per
// queue, and TTL'd heartbeat records per agent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// ErrNotFound is returned when a task, record, or agent does not exist.
// Sweeps treat it as "another replica got there first" and move on.
var ErrNotFound = errors.New("not found")

// QueueStore owns per-queue task state. Every method that moves a task
// between pending, processing, failures, and dead-letter state is a single
// atomic operation against the backing store: a crash between logical steps
// must never lose or duplicate a task.
type QueueStore interface {
	// Enqueue appends the task to the tail of the named queue, immediately
	// available for claiming.
	Enqueue(ctx context.Context, queue string, t *domain.Task) error

	// Requeue appends the task with delayed availability: ClaimNext skips it
	// until notBefore has passed. Used for exponential-backoff retries; the
	// delay is durable and survives an orchestrator restart.
	Requeue(ctx context.Context, queue string, t *domain.Task, notBefore time.Time) error

	// ClaimNext atomically pops the first claimable pending task (FIFO among
	// tasks whose notBefore has passed) and inserts a processing record for
	// agentID. Returns nil when no task is claimable.
	ClaimNext(ctx context.Context, queue, agentID, transactionID string, now time.Time) (*domain.Task, error)

	// Depth returns the number of pending tasks, including delayed ones.
	Depth(ctx context.Context, queue string) (int, error)

	// Pending returns up to limit pending tasks in claim order (limit <= 0
	// means all). Read-only snapshot for inspection and balancing decisions.
	Pending(ctx context.Context, queue string, limit int) ([]*domain.Task, error)

	// MigratePending atomically moves up to max pending, unclaimed tasks from
	// one queue to another. Delayed tasks keep their notBefore.
	MigratePending(ctx context.Context, from, to string, max int) (int, error)

	// Processing returns the queue's processing records.
	Processing(ctx context.Context, queue string) ([]*domain.ProcessingRecord, error)

	// ProcessingCount returns the number of in-flight tasks for the queue.
	ProcessingCount(ctx context.Context, queue string) (int, error)

	// StuckProcessing returns processing records started before cutoff.
	StuckProcessing(ctx context.Context, queue string, cutoff time.Time) ([]*domain.ProcessingRecord, error)

	// FinishProcessing atomically removes and returns the processing record
	// for a completed task. ErrNotFound when the task is no longer in
	// processing (already recovered by another sweep or replica).
	FinishProcessing(ctx context.Context, queue, taskID string) (*domain.ProcessingRecord, error)

	// FailProcessing atomically moves an in-flight task to the failures
	// queue with the reported error. ErrNotFound when the task is no longer
	// in processing.
	FailProcessing(ctx context.Context, queue, taskID, agentID, taskErr string, at time.Time) (*domain.FailureReport, error)

	// RequeueFromProcessing atomically moves a stuck task back to its queue:
	// the processing record is removed, retries incremented, and the task
	// appended with delayed availability. ErrNotFound when already handled.
	RequeueFromProcessing(ctx context.Context, queue, taskID string, notBefore time.Time) (*domain.Task, error)

	// DeadLetterFromProcessing atomically moves a stuck task from processing
	// to the queue's dead-letter list with the given reason.
	DeadLetterFromProcessing(ctx context.Context, queue, taskID, reason string, at time.Time) (*domain.DeadLetter, error)

	// PeekFailures returns up to limit failure reports in arrival order
	// without removing them. Reports are removed only by the atomic
	// RequeueFailure / DeadLetterFailure resolutions.
	PeekFailures(ctx context.Context, limit int) ([]*domain.FailureReport, error)

	// FailureCount returns the number of unresolved failure reports.
	FailureCount(ctx context.Context) (int, error)

	// RequeueFailure atomically resolves a failure report by enqueueing the
	// task on the given queue with delayed availability.
	RequeueFailure(ctx context.Context, reportID, queue string, t *domain.Task, notBefore time.Time) error

	// DeadLetterFailure atomically resolves a failure report into a
	// dead-letter record.
	DeadLetterFailure(ctx context.Context, reportID string, d *domain.DeadLetter) error

	// PushDeadLetter appends directly to a queue's dead-letter list
	// (invalid tasks that never entered the queue).
	PushDeadLetter(ctx context.Context, d *domain.DeadLetter) error

	// DeadLetters returns up to limit dead letters, newest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error)

	// DeadLetterCount returns the queue's dead-letter count.
	DeadLetterCount(ctx context.Context, queue string) (int, error)

	// RequeueDeadLetter atomically moves a dead letter back onto its queue
	// with retries reset. Operator-initiated only; the DLQ never drains
	// itself.
	RequeueDeadLetter(ctx context.Context, queue, taskID string) (*domain.Task, error)

	// PurgeDeadLetters removes all dead letters for the queue and returns
	// how many were dropped.
	PurgeDeadLetters(ctx context.Context, queue string) (int, error)

	// Queues lists every queue name the store has seen.
	Queues(ctx context.Context) ([]string, error)
}

// AgentStore owns the shared agent registry.
type AgentStore interface {
	// PutAgent upserts an agent record (registration and re-registration).
	PutAgent(ctx context.Context, a *domain.Agent) error

	// GetAgent returns the agent or ErrNotFound.
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)

	// ListAgents returns all registered agents, including inactive ones,
	// in registration order.
	ListAgents(ctx context.Context) ([]*domain.Agent, error)

	// SetAgentStatus updates only the agent's status.
	SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error

	// AdjustAgentLoad atomically adds delta to the agent's current load,
	// clamped at zero, and returns the new load.
	AdjustAgentLoad(ctx context.Context, id string, delta int) (int, error)

	// RecordAgentResult atomically folds a task outcome into the agent's
	// performance record (incremental-mean processing time).
	RecordAgentResult(ctx context.Context, id string, success bool, duration time.Duration) error

	// DeregisterAgent soft-deletes the agent: status becomes inactive and
	// load resets, but the record is kept for audit history.
	DeregisterAgent(ctx context.Context, id string) error
}

// HeartbeatStore owns TTL'd per-agent heartbeat records.
type HeartbeatStore interface {
	// RecordHeartbeat stores a heartbeat observed at the given time with the
	// given TTL, and refreshes the agent registry's LastHeartbeat.
	RecordHeartbeat(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error

	// LastHeartbeat returns the most recent heartbeat time, expired or not.
	// ErrNotFound when the agent never heartbeat.
	LastHeartbeat(ctx context.Context, agentID string) (time.Time, error)

	// ExpiredHeartbeats returns ids of agents whose heartbeat TTL has passed.
	ExpiredHeartbeats(ctx context.Context, now time.Time) ([]string, error)
}

// TxLogStore owns the per-queue capped transaction log.
type TxLogStore interface {
	// AppendLog appends an entry, pruning the oldest past the cap.
	AppendLog(ctx context.Context, e *domain.TransactionLogEntry) error

	// LogEntries returns up to limit entries for the queue, newest first.
	LogEntries(ctx context.Context, queue string, limit int) ([]*domain.TransactionLogEntry, error)
}

// Store is the full durable-store contract. Both the in-memory and the SQL
// implementations satisfy it.
type Store interface {
	QueueStore
	AgentStore
	HeartbeatStore
	TxLogStore

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
