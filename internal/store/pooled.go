package store

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/resilience"
)

// Pooled wraps a bounded pool of store connections. Every call borrows a
// connection, delegates, and returns it. Connections that report
// domain.ErrStoreUnavailable are discarded instead of reused, so a broken
// connection never circulates.
//
// Only meaningful for backends where each open handle carries its own
// connection (SQL). Pooling the in-memory store would shard its state.
type Pooled struct {
	pool *resilience.Pool[Store]
}

// NewPooled builds a pooled store over at most max connections opened by
// open. Connections are opened lazily on first demand.
func NewPooled(max int, open func(ctx context.Context) (Store, error)) *Pooled {
	return &Pooled{
		pool: resilience.NewPool(max, open, func(s Store) error { return s.Close() }),
	}
}

// InUse reports how many connections are currently borrowed.
func (p *Pooled) InUse() int { return p.pool.InUse() }

func (p *Pooled) with(ctx context.Context, fn func(Store) error) error {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			p.pool.Discard(s)
		} else {
			p.pool.Release(s)
		}
		return err
	}
	p.pool.Release(s)
	return nil
}

func withValue[T any](ctx context.Context, p *Pooled, fn func(Store) (T, error)) (T, error) {
	var out T
	err := p.with(ctx, func(s Store) error {
		var err error
		out, err = fn(s)
		return err
	})
	return out, err
}

func (p *Pooled) Enqueue(ctx context.Context, queue string, t *domain.Task) error {
	return p.with(ctx, func(s Store) error { return s.Enqueue(ctx, queue, t) })
}

func (p *Pooled) Requeue(ctx context.Context, queue string, t *domain.Task, notBefore time.Time) error {
	return p.with(ctx, func(s Store) error { return s.Requeue(ctx, queue, t, notBefore) })
}

func (p *Pooled) ClaimNext(ctx context.Context, queue, agentID, transactionID string, now time.Time) (*domain.Task, error) {
	return withValue(ctx, p, func(s Store) (*domain.Task, error) {
		return s.ClaimNext(ctx, queue, agentID, transactionID, now)
	})
}

func (p *Pooled) Depth(ctx context.Context, queue string) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.Depth(ctx, queue) })
}

func (p *Pooled) Pending(ctx context.Context, queue string, limit int) ([]*domain.Task, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.Task, error) { return s.Pending(ctx, queue, limit) })
}

func (p *Pooled) MigratePending(ctx context.Context, from, to string, max int) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.MigratePending(ctx, from, to, max) })
}

func (p *Pooled) Processing(ctx context.Context, queue string) ([]*domain.ProcessingRecord, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.ProcessingRecord, error) { return s.Processing(ctx, queue) })
}

func (p *Pooled) ProcessingCount(ctx context.Context, queue string) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.ProcessingCount(ctx, queue) })
}

func (p *Pooled) StuckProcessing(ctx context.Context, queue string, cutoff time.Time) ([]*domain.ProcessingRecord, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.ProcessingRecord, error) {
		return s.StuckProcessing(ctx, queue, cutoff)
	})
}

func (p *Pooled) FinishProcessing(ctx context.Context, queue, taskID string) (*domain.ProcessingRecord, error) {
	return withValue(ctx, p, func(s Store) (*domain.ProcessingRecord, error) {
		return s.FinishProcessing(ctx, queue, taskID)
	})
}

func (p *Pooled) FailProcessing(ctx context.Context, queue, taskID, agentID, taskErr string, at time.Time) (*domain.FailureReport, error) {
	return withValue(ctx, p, func(s Store) (*domain.FailureReport, error) {
		return s.FailProcessing(ctx, queue, taskID, agentID, taskErr, at)
	})
}

func (p *Pooled) RequeueFromProcessing(ctx context.Context, queue, taskID string, notBefore time.Time) (*domain.Task, error) {
	return withValue(ctx, p, func(s Store) (*domain.Task, error) {
		return s.RequeueFromProcessing(ctx, queue, taskID, notBefore)
	})
}

func (p *Pooled) DeadLetterFromProcessing(ctx context.Context, queue, taskID, reason string, at time.Time) (*domain.DeadLetter, error) {
	return withValue(ctx, p, func(s Store) (*domain.DeadLetter, error) {
		return s.DeadLetterFromProcessing(ctx, queue, taskID, reason, at)
	})
}

func (p *Pooled) PeekFailures(ctx context.Context, limit int) ([]*domain.FailureReport, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.FailureReport, error) { return s.PeekFailures(ctx, limit) })
}

func (p *Pooled) FailureCount(ctx context.Context) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.FailureCount(ctx) })
}

func (p *Pooled) RequeueFailure(ctx context.Context, reportID, queue string, t *domain.Task, notBefore time.Time) error {
	return p.with(ctx, func(s Store) error { return s.RequeueFailure(ctx, reportID, queue, t, notBefore) })
}

func (p *Pooled) DeadLetterFailure(ctx context.Context, reportID string, d *domain.DeadLetter) error {
	return p.with(ctx, func(s Store) error { return s.DeadLetterFailure(ctx, reportID, d) })
}

func (p *Pooled) PushDeadLetter(ctx context.Context, d *domain.DeadLetter) error {
	return p.with(ctx, func(s Store) error { return s.PushDeadLetter(ctx, d) })
}

func (p *Pooled) DeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.DeadLetter, error) { return s.DeadLetters(ctx, queue, limit) })
}

func (p *Pooled) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.DeadLetterCount(ctx, queue) })
}

func (p *Pooled) RequeueDeadLetter(ctx context.Context, queue, taskID string) (*domain.Task, error) {
	return withValue(ctx, p, func(s Store) (*domain.Task, error) { return s.RequeueDeadLetter(ctx, queue, taskID) })
}

func (p *Pooled) PurgeDeadLetters(ctx context.Context, queue string) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.PurgeDeadLetters(ctx, queue) })
}

func (p *Pooled) Queues(ctx context.Context) ([]string, error) {
	return withValue(ctx, p, func(s Store) ([]string, error) { return s.Queues(ctx) })
}

func (p *Pooled) PutAgent(ctx context.Context, a *domain.Agent) error {
	return p.with(ctx, func(s Store) error { return s.PutAgent(ctx, a) })
}

func (p *Pooled) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return withValue(ctx, p, func(s Store) (*domain.Agent, error) { return s.GetAgent(ctx, id) })
}

func (p *Pooled) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.Agent, error) { return s.ListAgents(ctx) })
}

func (p *Pooled) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	return p.with(ctx, func(s Store) error { return s.SetAgentStatus(ctx, id, status) })
}

func (p *Pooled) AdjustAgentLoad(ctx context.Context, id string, delta int) (int, error) {
	return withValue(ctx, p, func(s Store) (int, error) { return s.AdjustAgentLoad(ctx, id, delta) })
}

func (p *Pooled) RecordAgentResult(ctx context.Context, id string, success bool, duration time.Duration) error {
	return p.with(ctx, func(s Store) error { return s.RecordAgentResult(ctx, id, success, duration) })
}

func (p *Pooled) DeregisterAgent(ctx context.Context, id string) error {
	return p.with(ctx, func(s Store) error { return s.DeregisterAgent(ctx, id) })
}

func (p *Pooled) RecordHeartbeat(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error {
	return p.with(ctx, func(s Store) error { return s.RecordHeartbeat(ctx, agentID, at, ttl) })
}

func (p *Pooled) LastHeartbeat(ctx context.Context, agentID string) (time.Time, error) {
	return withValue(ctx, p, func(s Store) (time.Time, error) { return s.LastHeartbeat(ctx, agentID) })
}

func (p *Pooled) ExpiredHeartbeats(ctx context.Context, now time.Time) ([]string, error) {
	return withValue(ctx, p, func(s Store) ([]string, error) { return s.ExpiredHeartbeats(ctx, now) })
}

func (p *Pooled) AppendLog(ctx context.Context, e *domain.TransactionLogEntry) error {
	return p.with(ctx, func(s Store) error { return s.AppendLog(ctx, e) })
}

func (p *Pooled) LogEntries(ctx context.Context, queue string, limit int) ([]*domain.TransactionLogEntry, error) {
	return withValue(ctx, p, func(s Store) ([]*domain.TransactionLogEntry, error) {
		return s.LogEntries(ctx, queue, limit)
	})
}

func (p *Pooled) Ping(ctx context.Context) error {
	return p.with(ctx, func(s Store) error { return s.Ping(ctx) })
}

func (p *Pooled) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Pooled)(nil)
