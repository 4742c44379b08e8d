package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/resilience"
	"github.com/jkaninda/kazi/internal/store"
)

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *store.InMemory, *bus.Bus, *capability.Registry) {
	t.Helper()
	st := store.NewInMemory()
	b := bus.New(nil, nil)
	t.Cleanup(b.Close)
	registry := capability.NewRegistry(capability.Options{}, nil, nil, nil)
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{}, nil, nil)
	return New(cfg, st, registry, b, breakers, nil, nil), st, b, registry
}

func registerAgent(t *testing.T, st *store.InMemory, registry *capability.Registry, id string, model domain.Model, caps map[string]float64, maxLoad int) {
	t.Helper()
	capNames := make([]string, 0, len(caps))
	declared := make([]capability.Declaration, 0, len(caps))
	for name, prof := range caps {
		capNames = append(capNames, name)
		declared = append(declared, capability.Declaration{Capability: name, Proficiency: prof})
	}
	err := st.PutAgent(context.Background(), &domain.Agent{
		ID:           id,
		Model:        model,
		Capabilities: capNames,
		MaxLoad:      maxLoad,
		Status:       domain.AgentActive,
	})
	if err != nil {
		t.Fatalf("put agent: %v", err)
	}
	if err := registry.RegisterAgentCapabilities(context.Background(), id, declared, false); err != nil {
		t.Fatalf("register capabilities: %v", err)
	}
}

func TestEnqueueInvalidTaskDeadLetters(t *testing.T) {
	ctx := context.Background()
	o, st, _, _ := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	err := o.Enqueue(ctx, queue, &domain.Task{ID: "bad-1", Prompt: "do something"})
	if !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}

	depth, _ := st.Depth(ctx, queue)
	if depth != 0 {
		t.Fatalf("invalid task entered the queue, depth = %d", depth)
	}
	letters, _ := st.DeadLetters(ctx, queue, 0)
	if len(letters) != 1 || letters[0].Task.ID != "bad-1" {
		t.Fatalf("expected one dead letter for bad-1, got %v", letters)
	}
}

// One tick claims T1 for A1; the completion event finalizes the
// bookkeeping.
func TestTickAssignsAndCompletionFinalizes(t *testing.T) {
	ctx := context.Background()
	o, st, b, registry := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	registerAgent(t, st, registry, "A1", domain.ModelGPT4o,
		map[string]float64{capability.CapCodeDebugging: 0.9}, 5)

	taskCh, unsub := b.Subscribe(protocol.AgentTaskChannel("A1"), 0)
	defer unsub()

	task := &domain.Task{
		ID:                   "T1",
		Prompt:               "Fix the login crash",
		Type:                 domain.TaskTypeBugfix,
		RequiredCapabilities: []string{capability.CapCodeDebugging},
	}
	if err := o.Enqueue(ctx, queue, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o.tick(ctx)

	// Exclusivity: pending is empty, processing holds exactly T1.
	depth, _ := st.Depth(ctx, queue)
	if depth != 0 {
		t.Fatalf("depth after tick = %d, want 0", depth)
	}
	recs, _ := st.Processing(ctx, queue)
	if len(recs) != 1 || recs[0].Task.ID != "T1" || recs[0].AgentID != "A1" {
		t.Fatalf("processing = %+v, want T1 claimed by A1", recs)
	}
	if recs[0].TransactionID == "" {
		t.Fatal("claim recorded no transaction id")
	}
	agent, _ := st.GetAgent(ctx, "A1")
	if agent.CurrentLoad != 1 {
		t.Fatalf("agent load = %d, want 1", agent.CurrentLoad)
	}

	select {
	case e := <-taskCh:
		if e.Type != protocol.MsgTaskAssign {
			t.Fatalf("assignment type = %s", e.Type)
		}
		var p protocol.TaskAssignPayload
		if err := e.Decode(&p); err != nil {
			t.Fatalf("decode assignment: %v", err)
		}
		if p.Task.ID != "T1" || p.Queue != queue {
			t.Fatalf("assignment payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no assignment published")
	}

	done, err := protocol.NewEnvelope(protocol.MsgTaskComplete, protocol.TaskCompletePayload{
		TaskID:     "T1",
		AgentID:    "A1",
		Queue:      queue,
		DurationMS: 1200,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	o.handleTaskComplete(ctx, done)

	n, _ := st.ProcessingCount(ctx, queue)
	if n != 0 {
		t.Fatalf("processing after completion = %d, want 0", n)
	}
	agent, _ = st.GetAgent(ctx, "A1")
	if agent.Performance.TasksCompleted != 1 {
		t.Fatalf("tasksCompleted = %d, want 1", agent.Performance.TasksCompleted)
	}
	if agent.CurrentLoad != 0 {
		t.Fatalf("agent load after completion = %d, want 0", agent.CurrentLoad)
	}
}

func TestTickRequiredCapabilityGate(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	registerAgent(t, st, registry, "A1", domain.ModelGPT4o,
		map[string]float64{capability.CapDocsWriting: 0.9}, 5)

	err := o.Enqueue(ctx, queue, &domain.Task{
		ID:                   "T1",
		Prompt:               "Fix the parser crash",
		Type:                 domain.TaskTypeBugfix,
		RequiredCapabilities: []string{capability.CapCodeDebugging},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o.tick(ctx)

	// No agent holds the required capability: the task must stay queued.
	depth, _ := st.Depth(ctx, queue)
	if depth != 1 {
		t.Fatalf("depth = %d, want task kept", depth)
	}
	n, _ := st.ProcessingCount(ctx, queue)
	if n != 0 {
		t.Fatalf("processing = %d, want 0", n)
	}
}

// A stuck task at retries=4 (maxRetries 5) is re-enqueued once more with a
// 32s delay; a second timeout dead-letters it.
func TestStuckScanBackoffThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	o, st, b, _ := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	controlCh, unsub := b.Subscribe(protocol.AgentControlChannel("A1"), 0)
	defer unsub()

	task := &domain.Task{
		ID:      "T-stuck",
		Prompt:  "long running work",
		Type:    domain.TaskTypeAnalysis,
		Retries: 4,
	}
	if err := st.Enqueue(ctx, queue, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stale := time.Now().Add(-time.Hour)
	if _, err := st.ClaimNext(ctx, queue, "A1", domain.NewID(), stale); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := o.ScanStuck(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	n, _ := st.ProcessingCount(ctx, queue)
	if n != 0 {
		t.Fatalf("processing after scan = %d, want 0", n)
	}
	pending, _ := st.Pending(ctx, queue, 0)
	if len(pending) != 1 {
		t.Fatalf("pending after scan = %d, want 1", len(pending))
	}
	if pending[0].Retries != 5 {
		t.Fatalf("retries = %d, want 5", pending[0].Retries)
	}

	// The 2^5 * 1000ms backoff makes the task unclaimable for 32s.
	if claimed, _ := st.ClaimNext(ctx, queue, "A1", domain.NewID(), time.Now()); claimed != nil {
		t.Fatalf("task claimable before backoff elapsed: %+v", claimed)
	}

	select {
	case e := <-controlCh:
		var p protocol.ControlPayload
		if err := e.Decode(&p); err != nil {
			t.Fatalf("decode control: %v", err)
		}
		if p.Action != protocol.ControlTaskTimeout || p.TaskID != "T-stuck" {
			t.Fatalf("control payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no task_timeout control message")
	}

	// Second timeout: claim once the backoff has elapsed, then recover the
	// stuck record again. At retries=5 the task must dead-letter.
	claimed, err := st.ClaimNext(ctx, queue, "A1", domain.NewID(), time.Now().Add(time.Minute))
	if err != nil || claimed == nil {
		t.Fatalf("reclaim after backoff = (%v, %v)", claimed, err)
	}
	o.recoverStuck(ctx, queue, &domain.ProcessingRecord{
		Task:    *claimed,
		Queue:   queue,
		AgentID: "A1",
	}, time.Now())
	letters, _ := st.DeadLetters(ctx, queue, 0)
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Reason != domain.ReasonMaxRetries {
		t.Fatalf("reason = %q, want %q", letters[0].Reason, domain.ReasonMaxRetries)
	}
	if letters[0].Task.Retries != 5 {
		t.Fatalf("dead-lettered retries = %d, want monotonic 5", letters[0].Task.Retries)
	}
}

func TestFailureSweepRetriesOnFallbackQueue(t *testing.T) {
	ctx := context.Background()
	o, st, _, _ := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	task := &domain.Task{ID: "T-fail", Prompt: "work", Type: domain.TaskTypeGeneral}
	if err := st.Enqueue(ctx, queue, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.ClaimNext(ctx, queue, "A1", domain.NewID(), time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := protocol.NewEnvelope(protocol.MsgTaskFailed, protocol.TaskFailedPayload{
		TaskID:     "T-fail",
		AgentID:    "A1",
		Queue:      queue,
		Error:      "connection reset by peer",
		DurationMS: 90,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	o.handleTaskFailed(ctx, failed)

	if n, _ := st.FailureCount(ctx); n != 1 {
		t.Fatalf("failure count = %d, want 1", n)
	}

	if err := o.ProcessFailures(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n, _ := st.FailureCount(ctx); n != 0 {
		t.Fatalf("failure count after sweep = %d, want 0", n)
	}

	// gpt-4o falls back to claude-3-sonnet.
	fallbackQueue := domain.ModelClaudeSonnet.QueueName()
	pending, _ := st.Pending(ctx, fallbackQueue, 0)
	if len(pending) != 1 || pending[0].ID != "T-fail" {
		t.Fatalf("fallback queue pending = %+v, want T-fail", pending)
	}
	if pending[0].Retries != 1 {
		t.Fatalf("retries = %d, want 1", pending[0].Retries)
	}
}

func TestFailureSweepDeadLettersExhaustedTask(t *testing.T) {
	ctx := context.Background()
	o, st, _, _ := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	task := &domain.Task{ID: "T-exhausted", Prompt: "work", Type: domain.TaskTypeGeneral, Retries: 5}
	if err := st.Enqueue(ctx, queue, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.ClaimNext(ctx, queue, "A1", domain.NewID(), time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.FailProcessing(ctx, queue, "T-exhausted", "A1", "timeout waiting for model", time.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := o.ProcessFailures(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	letters, _ := st.DeadLetters(ctx, queue, 0)
	if len(letters) != 1 || letters[0].Reason != domain.ReasonMaxRetries {
		t.Fatalf("dead letters = %+v, want one with max-retries reason", letters)
	}
}

func TestBalanceMigratesPendingToFallback(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{})

	overloaded := domain.ModelGPT4o.QueueName()
	target := domain.ModelClaudeSonnet.QueueName()

	for i := 0; i < 60; i++ {
		err := st.Enqueue(ctx, overloaded, &domain.Task{
			ID:     domain.NewID(),
			Prompt: "queued work",
			Type:   domain.TaskTypeGeneral,
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		err := st.Enqueue(ctx, target, &domain.Task{
			ID:     domain.NewID(),
			Prompt: "queued work",
			Type:   domain.TaskTypeGeneral,
		})
		if err != nil {
			t.Fatalf("enqueue target: %v", err)
		}
	}
	for _, id := range []string{"S1", "S2", "S3", "S4"} {
		registerAgent(t, st, registry, id, domain.ModelClaudeSonnet, map[string]float64{capability.CapCodeGeneration: 0.8}, 5)
	}

	if err := o.Balance(ctx); err != nil {
		t.Fatalf("balance: %v", err)
	}

	fromDepth, _ := st.Depth(ctx, overloaded)
	toDepth, _ := st.Depth(ctx, target)
	if fromDepth != 35 || toDepth != 29 {
		t.Fatalf("depths after balance = %d/%d, want 35/29", fromDepth, toDepth)
	}
}

func TestCommandsPauseAndResume(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	registerAgent(t, st, registry, "A1", domain.ModelGPT4o, map[string]float64{capability.CapCodeGeneration: 0.8}, 5)
	if err := o.Enqueue(ctx, queue, &domain.Task{ID: "T1", Prompt: "work", Type: domain.TaskTypeGeneral}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pause, _ := protocol.NewEnvelope(protocol.MsgCommand, protocol.CommandPayload{Command: protocol.CommandPause})
	o.handleCommand(ctx, pause)
	if !o.Paused() {
		t.Fatal("orchestrator not paused")
	}

	o.tick(ctx)
	if depth, _ := st.Depth(ctx, queue); depth != 1 {
		t.Fatalf("paused orchestrator assigned work, depth = %d", depth)
	}

	resume, _ := protocol.NewEnvelope(protocol.MsgCommand, protocol.CommandPayload{Command: protocol.CommandResume})
	o.handleCommand(ctx, resume)
	if o.Paused() {
		t.Fatal("orchestrator still paused")
	}

	o.tick(ctx)
	if depth, _ := st.Depth(ctx, queue); depth != 0 {
		t.Fatalf("resumed orchestrator did not assign, depth = %d", depth)
	}
}

func TestRegistrationEventBindsCapabilities(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{})

	e, err := protocol.NewEnvelope(protocol.MsgAgentRegister, protocol.RegisterPayload{
		AgentID:      "A9",
		Model:        string(domain.ModelClaudeHaiku),
		Capabilities: []string{capability.CapDocsWriting},
		MaxLoad:      3,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	o.handleRegistration(ctx, e)

	agent, err := st.GetAgent(ctx, "A9")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Model != domain.ModelClaudeHaiku || agent.MaxLoad != 3 || agent.Status != domain.AgentActive {
		t.Fatalf("agent = %+v", agent)
	}
	bindings := registry.Bindings("A9")
	if len(bindings) != 1 || bindings[0].CapabilityID != capability.CapDocsWriting {
		t.Fatalf("bindings = %+v", bindings)
	}

	dereg, _ := protocol.NewEnvelope(protocol.MsgAgentDeregister, protocol.DeregisterPayload{AgentID: "A9", Reason: "shutdown"})
	o.handleRegistration(ctx, dereg)

	agent, _ = st.GetAgent(ctx, "A9")
	if agent.Status != domain.AgentInactive {
		t.Fatalf("status after deregister = %s, want inactive", agent.Status)
	}
	if got := registry.Bindings("A9"); got != nil {
		t.Fatalf("bindings after deregister = %+v, want none", got)
	}
}

// countingProber records how often the registry probes an agent.
type countingProber struct {
	calls int
}

func (p *countingProber) Probe(context.Context, string, *capability.Capability) (float64, error) {
	p.calls++
	return 0, nil
}

// Registration must ack immediately even when a prober is configured;
// capability probing belongs to the discovery sweep, not the event path.
func TestRegistrationAcksWithoutProbing(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	b := bus.New(nil, nil)
	t.Cleanup(b.Close)
	prober := &countingProber{}
	registry := capability.NewRegistry(capability.Options{}, prober, nil, nil)
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{}, nil, nil)
	o := New(Config{}, st, registry, b, breakers, nil, nil)

	ackCh, unsub := b.Subscribe(protocol.AgentMessageChannel("A2"), 0)
	defer unsub()

	e, err := protocol.NewEnvelope(protocol.MsgAgentRegister, protocol.RegisterPayload{
		AgentID:      "A2",
		Model:        string(domain.ModelGPT4o),
		Capabilities: []string{capability.CapCodeDebugging},
		MaxLoad:      2,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	o.handleRegistration(ctx, e)

	select {
	case ack := <-ackCh:
		if ack.Type != protocol.MsgRegistered {
			t.Fatalf("ack type = %s, want %s", ack.Type, protocol.MsgRegistered)
		}
	case <-time.After(time.Second):
		t.Fatal("no registration ack published")
	}
	if prober.calls != 0 {
		t.Fatalf("registration ran %d capability probes, want 0", prober.calls)
	}
}

// Consecutive fleet-wide failures trip the execution breaker, which
// keeps tasks queued instead of feeding them to failing agents.
func TestExecutionBreakerSuspendsDispatch(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{})

	queue := domain.ModelGPT4o.QueueName()
	registerAgent(t, st, registry, "A1", domain.ModelGPT4o,
		map[string]float64{capability.CapCodeGeneration: 0.8}, 10)

	// Default breaker threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("T-%d", i)
		if err := st.Enqueue(ctx, queue, &domain.Task{ID: id, Prompt: "work", Type: domain.TaskTypeGeneral}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, err := st.ClaimNext(ctx, queue, "A1", domain.NewID(), time.Now()); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		failed, err := protocol.NewEnvelope(protocol.MsgTaskFailed, protocol.TaskFailedPayload{
			TaskID:     id,
			AgentID:    "A1",
			Queue:      queue,
			Error:      "model backend unavailable",
			DurationMS: 10,
		})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		o.handleTaskFailed(ctx, failed)
	}

	if !o.breakers.Tripped(resilience.ServiceTaskExecution) {
		t.Fatal("execution breaker not open after consecutive failures")
	}

	if err := st.Enqueue(ctx, queue, &domain.Task{ID: "T-gated", Prompt: "work", Type: domain.TaskTypeGeneral}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	o.tick(ctx)
	if depth, _ := st.Depth(ctx, queue); depth != 1 {
		t.Fatalf("open breaker did not suspend dispatch, depth = %d", depth)
	}
	if n, _ := st.ProcessingCount(ctx, queue); n != 0 {
		t.Fatalf("processing while breaker open = %d, want 0", n)
	}
}

func TestSnapshotReportsQueueAndAgentHealth(t *testing.T) {
	ctx := context.Background()
	o, st, _, registry := newTestOrchestrator(t, Config{DeadLetterThreshold: 1})
	o.startedAt = time.Now()

	queue := domain.ModelGPT4o.QueueName()
	registerAgent(t, st, registry, "A1", domain.ModelGPT4o, map[string]float64{capability.CapCodeGeneration: 0.8}, 5)
	if err := o.Enqueue(ctx, queue, &domain.Task{ID: "T1", Prompt: "work", Type: domain.TaskTypeGeneral}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		err := st.PushDeadLetter(ctx, &domain.DeadLetter{
			Task:   domain.Task{ID: domain.NewID()},
			Queue:  queue,
			Reason: "bad input",
		})
		if err != nil {
			t.Fatalf("push dead letter: %v", err)
		}
	}

	snap, err := o.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Orchestrator.Status != "running" {
		t.Fatalf("status = %s", snap.Orchestrator.Status)
	}
	qh, ok := snap.Queues[queue]
	if !ok {
		t.Fatalf("queue %s missing from snapshot", queue)
	}
	if qh.Depth != 1 || qh.Failed != 2 {
		t.Fatalf("queue health = %+v", qh)
	}
	if qh.Healthy {
		t.Fatal("queue past the dead-letter threshold reported healthy")
	}
	ah, ok := snap.Agents["A1"]
	if !ok || !ah.Healthy || ah.Model != domain.ModelGPT4o {
		t.Fatalf("agent health = %+v", ah)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tc := range tests {
		if got := retryDelay(tc.retries); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		message string
		want    error
	}{
		{"dial tcp: i/o timeout", domain.ErrTransientWorker},
		{"connection reset by peer", domain.ErrTransientWorker},
		{"lookup api.example.com: no such host", domain.ErrTransientWorker},
		{"429 Too Many Requests", domain.ErrTransientWorker},
		{"temporary_failure", domain.ErrTransientWorker},
		{"unsupported task action", domain.ErrPermanentWorker},
		{"prompt rejected by policy", domain.ErrPermanentWorker},
	}
	for _, tc := range tests {
		if got := classifyFailure(tc.message); !errors.Is(got, tc.want) {
			t.Errorf("classifyFailure(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestDetermineRetryQueue(t *testing.T) {
	if got := determineRetryQueue(domain.ModelGPT4o.QueueName()); got != domain.ModelClaudeSonnet.QueueName() {
		t.Fatalf("fallback for gpt-4o = %s", got)
	}
	if got := determineRetryQueue("queue:unknown-model"); got != "queue:unknown-model" {
		t.Fatalf("unknown model fallback = %s, want origin", got)
	}
}
