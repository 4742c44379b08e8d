package domain

import "errors"

// Error taxonomy. Components wrap these sentinels with context and callers
// branch with errors.Is.
var (
	// ErrInvalidTask marks malformed input. Never retried; goes straight to
	// the dead-letter queue.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNoAvailableAgent is soft: the task stays queued for a later tick.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrTransientWorker marks a retryable worker failure (timeouts,
	// connection resets, rate limits). Retried with exponential backoff.
	ErrTransientWorker = errors.New("transient worker error")

	// ErrPermanentWorker marks a non-retryable worker failure. The task is
	// dead-lettered immediately.
	ErrPermanentWorker = errors.New("permanent worker error")

	// ErrCircuitOpen is a fail-fast rejection from an open circuit breaker.
	// It is never charged against a task's retry budget.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrStoreUnavailable is fatal for the affected queue tick. It is logged
	// and the tick retried, never silently dropped.
	ErrStoreUnavailable = errors.New("store unavailable")
)
