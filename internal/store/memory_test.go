package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

var base = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func testTask(id string) *domain.Task {
	return &domain.Task{
		ID:        id,
		Prompt:    "do something useful",
		Type:      domain.TaskTypeBugfix,
		Priority:  5,
		CreatedAt: base,
	}
}

// --- Queue lifecycle ---

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeSonnet.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := s.Depth(ctx, queue)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d (%v), want 1", depth, err)
	}

	claimed, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "t1" {
		t.Fatalf("claimed = %v, want t1", claimed)
	}
	if claimed.AssignedAgent != "agent-1" || claimed.TransactionID != "tx-1" {
		t.Errorf("assignment = %q/%q, want agent-1/tx-1", claimed.AssignedAgent, claimed.TransactionID)
	}

	depth, _ = s.Depth(ctx, queue)
	if depth != 0 {
		t.Errorf("depth after claim = %d, want 0", depth)
	}
	n, _ := s.ProcessingCount(ctx, queue)
	if n != 1 {
		t.Errorf("processing count = %d, want 1", n)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelGPT4o.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base)
	if err != nil || first == nil {
		t.Fatalf("first claim = %v (%v)", first, err)
	}
	second, err := s.ClaimNext(ctx, queue, "agent-2", "tx-2", base)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("second claim got %s, want nil", second.ID)
	}
}

func TestClaimOrderSkipsDelayed(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeHaiku.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Requeue(ctx, queue, testTask("delayed"), base.Add(time.Minute)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := s.Enqueue(ctx, queue, testTask("second")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i, want := range []string{"first", "second"} {
		got, err := s.ClaimNext(ctx, queue, "agent-1", fmt.Sprintf("tx-%d", i), base)
		if err != nil || got == nil {
			t.Fatalf("claim %d: %v (%v)", i, got, err)
		}
		if got.ID != want {
			t.Errorf("claim %d = %s, want %s", i, got.ID, want)
		}
	}

	// The delayed task stays invisible until its hold expires.
	got, _ := s.ClaimNext(ctx, queue, "agent-1", "tx-early", base.Add(30*time.Second))
	if got != nil {
		t.Fatalf("claimed %s before delay expired", got.ID)
	}
	got, err := s.ClaimNext(ctx, queue, "agent-1", "tx-late", base.Add(time.Minute))
	if err != nil || got == nil || got.ID != "delayed" {
		t.Fatalf("claim after delay = %v (%v), want delayed", got, err)
	}
}

func TestFinishProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeOpus.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec, err := s.FinishProcessing(ctx, queue, "t1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if rec.AgentID != "agent-1" || rec.TransactionID != "tx-1" {
		t.Errorf("record = %q/%q, want agent-1/tx-1", rec.AgentID, rec.TransactionID)
	}

	// A second finish means another replica already handled it.
	if _, err := s.FinishProcessing(ctx, queue, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second finish err = %v, want ErrNotFound", err)
	}
}

func TestRequeueFromProcessingIncrementsRetries(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelDeepseekCoder.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for want := 1; want <= 3; want++ {
		if _, err := s.ClaimNext(ctx, queue, "agent-1", "tx", base); err != nil {
			t.Fatalf("claim: %v", err)
		}
		task, err := s.RequeueFromProcessing(ctx, queue, "t1", base)
		if err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if task.Retries != want {
			t.Fatalf("retries = %d, want %d", task.Retries, want)
		}
		if task.AssignedAgent != "" {
			t.Errorf("assignment not cleared: %q", task.AssignedAgent)
		}
	}
}

func TestMigratePending(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	from := domain.ModelGPT4o.QueueName()
	to := domain.ModelClaudeSonnet.QueueName()

	for i := 0; i < 4; i++ {
		if err := s.Enqueue(ctx, from, testTask(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	moved, err := s.MigratePending(ctx, from, to, 3)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if moved != 3 {
		t.Fatalf("moved = %d, want 3", moved)
	}

	fromDepth, _ := s.Depth(ctx, from)
	toDepth, _ := s.Depth(ctx, to)
	if fromDepth != 1 || toDepth != 3 {
		t.Errorf("depths = %d/%d, want 1/3", fromDepth, toDepth)
	}

	// Order survives the move.
	pending, _ := s.Pending(ctx, to, 0)
	for i, want := range []string{"t0", "t1", "t2"} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, want)
		}
	}
}

// --- Failure pipeline ---

func TestFailProcessingAndRequeueFailure(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeSonnet.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := s.FailProcessing(ctx, queue, "t1", "agent-1", "connection reset by peer", base)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if report.Task.ID != "t1" || report.Error != "connection reset by peer" {
		t.Errorf("report = %s/%q", report.Task.ID, report.Error)
	}

	n, _ := s.ProcessingCount(ctx, queue)
	if n != 0 {
		t.Errorf("processing count = %d, want 0", n)
	}
	count, _ := s.FailureCount(ctx)
	if count != 1 {
		t.Fatalf("failure count = %d, want 1", count)
	}

	// Peek does not consume.
	peeked, err := s.PeekFailures(ctx, 10)
	if err != nil || len(peeked) != 1 {
		t.Fatalf("peek = %d (%v), want 1", len(peeked), err)
	}
	count, _ = s.FailureCount(ctx)
	if count != 1 {
		t.Fatalf("failure count after peek = %d, want 1", count)
	}

	// Resolving requeues the task and removes the report.
	task := report.Task
	if err := s.RequeueFailure(ctx, report.ID, queue, &task, base.Add(2*time.Second)); err != nil {
		t.Fatalf("requeue failure: %v", err)
	}
	count, _ = s.FailureCount(ctx)
	if count != 0 {
		t.Errorf("failure count after resolve = %d, want 0", count)
	}
	depth, _ := s.Depth(ctx, queue)
	if depth != 1 {
		t.Errorf("depth after resolve = %d, want 1", depth)
	}

	// Double resolution must not duplicate the task.
	if err := s.RequeueFailure(ctx, report.ID, queue, &task, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second resolve err = %v, want ErrNotFound", err)
	}
}

func TestDeadLetterFailure(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelGPT4oMini.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	report, err := s.FailProcessing(ctx, queue, "t1", "agent-1", "invalid credentials", base)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	d := &domain.DeadLetter{Task: report.Task, Queue: queue, Reason: "Permanent error", DeadLetteredAt: base}
	if err := s.DeadLetterFailure(ctx, report.ID, d); err != nil {
		t.Fatalf("dead-letter failure: %v", err)
	}

	count, _ := s.FailureCount(ctx)
	if count != 0 {
		t.Errorf("failure count = %d, want 0", count)
	}
	dlq, _ := s.DeadLetterCount(ctx, queue)
	if dlq != 1 {
		t.Errorf("dead-letter count = %d, want 1", dlq)
	}
}

// --- Dead letters ---

func TestDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeOpus.QueueName()

	if err := s.Enqueue(ctx, queue, testTask("t1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimNext(ctx, queue, "agent-1", "tx-1", base)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v (%v)", claimed, err)
	}

	d, err := s.DeadLetterFromProcessing(ctx, queue, "t1", domain.ReasonMaxRetries, base)
	if err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if d.Reason != domain.ReasonMaxRetries {
		t.Errorf("reason = %q, want %q", d.Reason, domain.ReasonMaxRetries)
	}

	// Newest first.
	if err := s.PushDeadLetter(ctx, &domain.DeadLetter{Task: *testTask("t2"), Queue: queue, Reason: "Invalid task", DeadLetteredAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("push: %v", err)
	}
	letters, err := s.DeadLetters(ctx, queue, 0)
	if err != nil || len(letters) != 2 {
		t.Fatalf("dead letters = %d (%v), want 2", len(letters), err)
	}
	if letters[0].Task.ID != "t2" || letters[1].Task.ID != "t1" {
		t.Errorf("order = %s,%s, want t2,t1", letters[0].Task.ID, letters[1].Task.ID)
	}

	// Requeue resets the retry count.
	task, err := s.RequeueDeadLetter(ctx, queue, "t1")
	if err != nil {
		t.Fatalf("requeue dead letter: %v", err)
	}
	if task.Retries != 0 {
		t.Errorf("retries = %d, want 0", task.Retries)
	}
	depth, _ := s.Depth(ctx, queue)
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	purged, err := s.PurgeDeadLetters(ctx, queue)
	if err != nil || purged != 1 {
		t.Fatalf("purged = %d (%v), want 1", purged, err)
	}
	dlq, _ := s.DeadLetterCount(ctx, queue)
	if dlq != 0 {
		t.Errorf("dead-letter count = %d, want 0", dlq)
	}
}

// --- Transaction log ---

func TestTransactionLogCapped(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	queue := domain.ModelClaudeSonnet.QueueName()

	total := domain.TxLogCap + 50
	for i := 0; i < total; i++ {
		e := &domain.TransactionLogEntry{
			Event:     domain.TxEnqueued,
			Queue:     queue,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Data:      map[string]string{"seq": fmt.Sprintf("%d", i)},
		}
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.LogEntries(ctx, queue, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != domain.TxLogCap {
		t.Fatalf("log length = %d, want %d", len(entries), domain.TxLogCap)
	}
	// Newest first; the oldest 50 were pruned.
	if got := entries[0].Data["seq"]; got != fmt.Sprintf("%d", total-1) {
		t.Errorf("newest seq = %s, want %d", got, total-1)
	}
	if got := entries[len(entries)-1].Data["seq"]; got != "50" {
		t.Errorf("oldest surviving seq = %s, want 50", got)
	}
}

// --- Agent registry ---

func TestAgentLoadFlipsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	a := &domain.Agent{
		ID:           "agent-1",
		Model:        domain.ModelClaudeSonnet,
		Capabilities: []string{"code.generation"},
		MaxLoad:      2,
		Status:       domain.AgentActive,
		RegisteredAt: base,
	}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}

	load, err := s.AdjustAgentLoad(ctx, "agent-1", 2)
	if err != nil || load != 2 {
		t.Fatalf("load = %d (%v), want 2", load, err)
	}
	got, _ := s.GetAgent(ctx, "agent-1")
	if got.Status != domain.AgentOverloaded {
		t.Errorf("status = %s, want overloaded", got.Status)
	}

	load, _ = s.AdjustAgentLoad(ctx, "agent-1", -1)
	if load != 1 {
		t.Fatalf("load = %d, want 1", load)
	}
	got, _ = s.GetAgent(ctx, "agent-1")
	if got.Status != domain.AgentActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	// Load never goes negative.
	load, _ = s.AdjustAgentLoad(ctx, "agent-1", -10)
	if load != 0 {
		t.Errorf("load = %d, want 0", load)
	}
}

func TestRecordAgentResult(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	a := &domain.Agent{ID: "agent-1", Model: domain.ModelGPT4o, MaxLoad: 5, Status: domain.AgentActive}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.RecordAgentResult(ctx, "agent-1", true, 100*time.Millisecond); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordAgentResult(ctx, "agent-1", false, 300*time.Millisecond); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, _ := s.GetAgent(ctx, "agent-1")
	if got.Performance.TasksCompleted != 1 || got.Performance.TasksFailed != 1 {
		t.Errorf("counts = %d/%d, want 1/1", got.Performance.TasksCompleted, got.Performance.TasksFailed)
	}
	if got.Performance.AvgProcessingTime != 200 {
		t.Errorf("avg = %.1f ms, want 200.0", got.Performance.AvgProcessingTime)
	}
	if rate := got.Performance.SuccessRate(); rate != 0.5 {
		t.Errorf("success rate = %.2f, want 0.50", rate)
	}
}

func TestDeregisterAgentKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	a := &domain.Agent{ID: "agent-1", Model: domain.ModelClaudeHaiku, MaxLoad: 3, CurrentLoad: 2, Status: domain.AgentActive}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.RecordHeartbeat(ctx, "agent-1", base, 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if err := s.DeregisterAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get after deregister: %v", err)
	}
	if got.Status != domain.AgentInactive || got.CurrentLoad != 0 {
		t.Errorf("agent = %s load %d, want inactive load 0", got.Status, got.CurrentLoad)
	}
	if _, err := s.LastHeartbeat(ctx, "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat err = %v, want ErrNotFound", err)
	}

	agents, _ := s.ListAgents(ctx)
	if len(agents) != 1 {
		t.Errorf("list length = %d, want 1", len(agents))
	}
}

// --- Heartbeats ---

func TestHeartbeatExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	a := &domain.Agent{ID: "agent-1", Model: domain.ModelClaudeSonnet, MaxLoad: 3, Status: domain.AgentActive}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.RecordHeartbeat(ctx, "agent-1", base, 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	expired, err := s.ExpiredHeartbeats(ctx, base.Add(29*time.Second))
	if err != nil || len(expired) != 0 {
		t.Fatalf("expired at 29s = %v (%v), want none", expired, err)
	}
	expired, _ = s.ExpiredHeartbeats(ctx, base.Add(30*time.Second))
	if len(expired) != 1 || expired[0] != "agent-1" {
		t.Fatalf("expired at 30s = %v, want [agent-1]", expired)
	}
}

func TestHeartbeatRevivesUnresponsiveAgent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	a := &domain.Agent{ID: "agent-1", Model: domain.ModelGPT4o, MaxLoad: 3, Status: domain.AgentActive}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SetAgentStatus(ctx, "agent-1", domain.AgentUnresponsive); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := s.RecordHeartbeat(ctx, "agent-1", base.Add(time.Minute), 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, _ := s.GetAgent(ctx, "agent-1")
	if got.Status != domain.AgentActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if !got.LastHeartbeat.Equal(base.Add(time.Minute)) {
		t.Errorf("last heartbeat = %v, want %v", got.LastHeartbeat, base.Add(time.Minute))
	}
}

// --- Lifecycle ---

func TestPingAfterClose(t *testing.T) {
	s := NewInMemory()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("ping after close = %v, want ErrStoreUnavailable", err)
	}
}
