package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// InMemory implements Store using in-memory maps guarded by a single mutex,
// which makes every multi-step transition trivially atomic. Used for tests
// and single-process deployments without a database.
type InMemory struct {
	mu         sync.RWMutex
	queues     map[string]*memQueue
	queueOrder []string
	failures   []*domain.FailureReport
	agents     map[string]*domain.Agent
	agentOrder []string
	heartbeats map[string]memHeartbeat
	closed     bool
}

type memQueue struct {
	pending     []pendingTask
	processing  map[string]*domain.ProcessingRecord
	deadLetters []*domain.DeadLetter
	log         []*domain.TransactionLogEntry
}

type pendingTask struct {
	task      domain.Task
	notBefore time.Time
}

type memHeartbeat struct {
	at        time.Time
	expiresAt time.Time
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		queues:     make(map[string]*memQueue),
		agents:     make(map[string]*domain.Agent),
		heartbeats: make(map[string]memHeartbeat),
	}
}

// queue returns the named queue, creating it on first use. Callers hold mu.
func (s *InMemory) queue(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{processing: make(map[string]*domain.ProcessingRecord)}
		s.queues[name] = q
		s.queueOrder = append(s.queueOrder, name)
	}
	return q
}

// --- QueueStore ---

func (s *InMemory) Enqueue(_ context.Context, queue string, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(queue).pending = append(s.queue(queue).pending, pendingTask{task: *t.Clone()})
	return nil
}

func (s *InMemory) Requeue(_ context.Context, queue string, t *domain.Task, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(queue).pending = append(s.queue(queue).pending, pendingTask{task: *t.Clone(), notBefore: notBefore})
	return nil
}

func (s *InMemory) ClaimNext(_ context.Context, queue, agentID, transactionID string, now time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	for i, p := range q.pending {
		if now.Before(p.notBefore) {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		task := p.task
		task.AssignedAgent = agentID
		task.TransactionID = transactionID
		q.processing[task.ID] = &domain.ProcessingRecord{
			Task:          task,
			Queue:         queue,
			AgentID:       agentID,
			StartedAt:     now,
			TransactionID: transactionID,
		}
		return task.Clone(), nil
	}
	return nil, nil
}

func (s *InMemory) Depth(_ context.Context, queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[queue]; ok {
		return len(q.pending), nil
	}
	return 0, nil
}

func (s *InMemory) Pending(_ context.Context, queue string, limit int) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	var out []*domain.Task
	for _, p := range q.pending {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, p.task.Clone())
	}
	return out, nil
}

func (s *InMemory) MigratePending(_ context.Context, from, to string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.queue(from)
	dst := s.queue(to)
	if max <= 0 || max > len(src.pending) {
		max = len(src.pending)
	}
	moved := src.pending[:max]
	src.pending = append([]pendingTask(nil), src.pending[max:]...)
	dst.pending = append(dst.pending, moved...)
	return len(moved), nil
}

func (s *InMemory) Processing(_ context.Context, queue string) ([]*domain.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	out := make([]*domain.ProcessingRecord, 0, len(q.processing))
	for _, rec := range q.processing {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) ProcessingCount(_ context.Context, queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[queue]; ok {
		return len(q.processing), nil
	}
	return 0, nil
}

func (s *InMemory) StuckProcessing(_ context.Context, queue string, cutoff time.Time) ([]*domain.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	var out []*domain.ProcessingRecord
	for _, rec := range q.processing {
		if rec.StartedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) FinishProcessing(_ context.Context, queue, taskID string) (*domain.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	rec, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("finish %s/%s: %w", queue, taskID, ErrNotFound)
	}
	delete(q.processing, taskID)
	cp := *rec
	return &cp, nil
}

func (s *InMemory) FailProcessing(_ context.Context, queue, taskID, agentID, taskErr string, at time.Time) (*domain.FailureReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	rec, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("fail %s/%s: %w", queue, taskID, ErrNotFound)
	}
	delete(q.processing, taskID)
	report := &domain.FailureReport{
		ID:         domain.NewID(),
		Task:       rec.Task,
		Queue:      queue,
		AgentID:    agentID,
		Error:      taskErr,
		ReportedAt: at,
	}
	s.failures = append(s.failures, report)
	cp := *report
	return &cp, nil
}

func (s *InMemory) RequeueFromProcessing(_ context.Context, queue, taskID string, notBefore time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	rec, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("requeue %s/%s: %w", queue, taskID, ErrNotFound)
	}
	delete(q.processing, taskID)
	task := rec.Task
	task.Retries++
	task.AssignedAgent = ""
	task.TransactionID = ""
	q.pending = append(q.pending, pendingTask{task: task, notBefore: notBefore})
	return task.Clone(), nil
}

func (s *InMemory) DeadLetterFromProcessing(_ context.Context, queue, taskID, reason string, at time.Time) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	rec, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("dead-letter %s/%s: %w", queue, taskID, ErrNotFound)
	}
	delete(q.processing, taskID)
	d := &domain.DeadLetter{
		Task:           rec.Task,
		Queue:          queue,
		Reason:         reason,
		DeadLetteredAt: at,
	}
	q.deadLetters = append(q.deadLetters, d)
	cp := *d
	return &cp, nil
}

func (s *InMemory) PeekFailures(_ context.Context, limit int) ([]*domain.FailureReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.FailureReport
	for _, f := range s.failures {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) FailureCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failures), nil
}

// removeFailure deletes the report by id. Callers hold mu.
func (s *InMemory) removeFailure(reportID string) bool {
	for i, f := range s.failures {
		if f.ID == reportID {
			s.failures = append(s.failures[:i:i], s.failures[i+1:]...)
			return true
		}
	}
	return false
}

func (s *InMemory) RequeueFailure(_ context.Context, reportID, queue string, t *domain.Task, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeFailure(reportID) {
		return fmt.Errorf("resolve failure %s: %w", reportID, ErrNotFound)
	}
	s.queue(queue).pending = append(s.queue(queue).pending, pendingTask{task: *t.Clone(), notBefore: notBefore})
	return nil
}

func (s *InMemory) DeadLetterFailure(_ context.Context, reportID string, d *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeFailure(reportID) {
		return fmt.Errorf("resolve failure %s: %w", reportID, ErrNotFound)
	}
	cp := *d
	q := s.queue(d.Queue)
	q.deadLetters = append(q.deadLetters, &cp)
	return nil
}

func (s *InMemory) PushDeadLetter(_ context.Context, d *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	q := s.queue(d.Queue)
	q.deadLetters = append(q.deadLetters, &cp)
	return nil
}

func (s *InMemory) DeadLetters(_ context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	var out []*domain.DeadLetter
	for i := len(q.deadLetters) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *q.deadLetters[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) DeadLetterCount(_ context.Context, queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[queue]; ok {
		return len(q.deadLetters), nil
	}
	return 0, nil
}

func (s *InMemory) RequeueDeadLetter(_ context.Context, queue, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	for i, d := range q.deadLetters {
		if d.Task.ID != taskID {
			continue
		}
		q.deadLetters = append(q.deadLetters[:i:i], q.deadLetters[i+1:]...)
		task := d.Task
		task.Retries = 0
		task.AssignedAgent = ""
		task.TransactionID = ""
		q.pending = append(q.pending, pendingTask{task: task})
		return task.Clone(), nil
	}
	return nil, fmt.Errorf("dead letter %s/%s: %w", queue, taskID, ErrNotFound)
}

func (s *InMemory) PurgeDeadLetters(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	n := len(q.deadLetters)
	q.deadLetters = nil
	return n, nil
}

func (s *InMemory) Queues(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.queueOrder...), nil
}

// --- AgentStore ---

func (s *InMemory) PutAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; !exists {
		s.agentOrder = append(s.agentOrder, a.ID)
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

func (s *InMemory) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *InMemory) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		out = append(out, s.agents[id].Clone())
	}
	return out, nil
}

func (s *InMemory) SetAgentStatus(_ context.Context, id string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.Status = status
	return nil
}

func (s *InMemory) AdjustAgentLoad(_ context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return 0, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.CurrentLoad += delta
	if a.CurrentLoad < 0 {
		a.CurrentLoad = 0
	}
	// Load crossings flip active <-> overloaded; unresponsive and inactive
	// are owned by the heartbeat checker and deregistration.
	switch {
	case a.Status == domain.AgentActive && a.CurrentLoad >= a.MaxLoad:
		a.Status = domain.AgentOverloaded
	case a.Status == domain.AgentOverloaded && a.CurrentLoad < a.MaxLoad:
		a.Status = domain.AgentActive
	}
	return a.CurrentLoad, nil
}

func (s *InMemory) RecordAgentResult(_ context.Context, id string, success bool, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if success {
		a.Performance.TasksCompleted++
	} else {
		a.Performance.TasksFailed++
	}
	n := a.Performance.TasksCompleted + a.Performance.TasksFailed
	ms := float64(duration.Milliseconds())
	a.Performance.AvgProcessingTime += (ms - a.Performance.AvgProcessingTime) / float64(n)
	return nil
}

func (s *InMemory) DeregisterAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.Status = domain.AgentInactive
	a.CurrentLoad = 0
	delete(s.heartbeats, id)
	return nil
}

// --- HeartbeatStore ---

func (s *InMemory) RecordHeartbeat(_ context.Context, agentID string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[agentID] = memHeartbeat{at: at, expiresAt: at.Add(ttl)}
	if a, ok := s.agents[agentID]; ok {
		a.LastHeartbeat = at
		if a.Status == domain.AgentUnresponsive {
			if a.CurrentLoad >= a.MaxLoad {
				a.Status = domain.AgentOverloaded
			} else {
				a.Status = domain.AgentActive
			}
		}
	}
	return nil
}

func (s *InMemory) LastHeartbeat(_ context.Context, agentID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hb, ok := s.heartbeats[agentID]
	if !ok {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", agentID, ErrNotFound)
	}
	return hb.at, nil
}

func (s *InMemory) ExpiredHeartbeats(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.agentOrder {
		if hb, ok := s.heartbeats[id]; ok && !now.Before(hb.expiresAt) {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- TxLogStore ---

func (s *InMemory) AppendLog(_ context.Context, e *domain.TransactionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(e.Queue)
	cp := *e
	q.log = append(q.log, &cp)
	if excess := len(q.log) - domain.TxLogCap; excess > 0 {
		q.log = append([]*domain.TransactionLogEntry(nil), q.log[excess:]...)
	}
	return nil
}

func (s *InMemory) LogEntries(_ context.Context, queue string, limit int) ([]*domain.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	var out []*domain.TransactionLogEntry
	for i := len(q.log) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *q.log[i]
		out = append(out, &cp)
	}
	return out, nil
}

// --- lifecycle ---

func (s *InMemory) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("ping: %w", domain.ErrStoreUnavailable)
	}
	return nil
}

func (s *InMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time check.
var _ Store = (*InMemory)(nil)
