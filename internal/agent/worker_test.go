package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/gateway/ws"
	"github.com/jkaninda/kazi/internal/heartbeat"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/secure"
	"github.com/jkaninda/kazi/internal/store"
)

// testRig runs a real gateway plus a stub orchestrator that acks every
// registration, so the worker exercises the full wire path.
type testRig struct {
	bus    *bus.Bus
	sealer *secure.Sealer
	url    string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	sealer, err := secure.New("test-secret", nil, nil)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	b := bus.New(nil, nil)
	monitor := heartbeat.NewMonitor(heartbeat.Config{}, store.NewInMemory(), nil)
	srv := ws.NewServer(ws.Config{}, b, sealer, monitor, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Stub orchestrator: ack registrations.
	registrations, unsub := b.Subscribe(protocol.ChannelAgentRegister, 0)
	go func() {
		for env := range registrations {
			if env.Type != protocol.MsgAgentRegister {
				continue
			}
			ack, err := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredPayload{
				AgentID: env.AgentID,
			})
			if err != nil {
				continue
			}
			ack.AgentID = env.AgentID
			b.Publish(protocol.AgentMessageChannel(env.AgentID), ack)
		}
	}()
	t.Cleanup(unsub)
	t.Cleanup(b.Close)

	return &testRig{bus: b, sealer: sealer, url: ts.URL}
}

func (r *testRig) startWorker(t *testing.T, ctx context.Context, cfg Config, runner Runner) chan error {
	t.Helper()
	cfg.GatewayURL = r.url
	w, err := NewWorker(cfg, runner, r.sealer, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func (r *testRig) assign(t *testing.T, agentID string, task domain.Task) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.MsgTaskAssign, protocol.TaskAssignPayload{
		Task:          task,
		Queue:         domain.ModelGPT4o.QueueName(),
		TransactionID: "TX-" + task.ID,
		MaxTokens:     500,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.AgentID = agentID
	env.TaskID = task.ID
	r.bus.Publish(protocol.AgentTaskChannel(agentID), env)
}

func waitEnvelope(t *testing.T, ctx context.Context, ch <-chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-ctx.Done():
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestWorkerExecutesAssignment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rig := newTestRig(t)
	completions, unsub := rig.bus.Subscribe(protocol.ChannelTaskComplete, 0)
	defer unsub()

	runner := RunnerFunc(func(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
		if maxTokens != 500 {
			t.Errorf("maxTokens = %d, want 500", maxTokens)
		}
		return "done: " + task.Prompt, nil
	})
	rig.startWorker(t, ctx, Config{ID: "A1", Model: domain.ModelGPT4o, MaxLoad: 2}, runner)

	// Registration ack gives the worker time to come up; assignments
	// published before its subscription exists would be dropped by design,
	// so wait for the register event first.
	time.Sleep(100 * time.Millisecond)
	rig.assign(t, "A1", domain.Task{ID: "T1", Prompt: "fix the bug", Type: domain.TaskTypeBugfix})

	env := waitEnvelope(t, ctx, completions)
	if env.TaskID != "T1" || env.AgentID != "A1" {
		t.Fatalf("completion envelope = %+v", env)
	}
	var payload protocol.TaskCompletePayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Result != "done: fix the bug" {
		t.Fatalf("result = %q", payload.Result)
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rig := newTestRig(t)
	failures, unsub := rig.bus.Subscribe(protocol.ChannelTaskFailed, 0)
	defer unsub()

	runner := RunnerFunc(func(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
		return "", errors.New("connection reset by peer")
	})
	rig.startWorker(t, ctx, Config{ID: "A2", Model: domain.ModelClaudeSonnet}, runner)

	time.Sleep(100 * time.Millisecond)
	rig.assign(t, "A2", domain.Task{ID: "T2", Prompt: "flaky", Type: domain.TaskTypeBugfix})

	env := waitEnvelope(t, ctx, failures)
	var payload protocol.TaskFailedPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.TaskID != "T2" || payload.Error != "connection reset by peer" {
		t.Fatalf("failure payload = %+v", payload)
	}
}

func TestWorkerCapacityBackstop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rig := newTestRig(t)
	failures, unsub := rig.bus.Subscribe(protocol.ChannelTaskFailed, 0)
	defer unsub()

	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	rig.startWorker(t, ctx, Config{ID: "A3", Model: domain.ModelGPT4o, MaxLoad: 1}, runner)

	time.Sleep(100 * time.Millisecond)
	rig.assign(t, "A3", domain.Task{ID: "T3", Prompt: "slow", Type: domain.TaskTypeFeature})
	time.Sleep(50 * time.Millisecond)
	rig.assign(t, "A3", domain.Task{ID: "T4", Prompt: "one too many", Type: domain.TaskTypeFeature})

	env := waitEnvelope(t, ctx, failures)
	var payload protocol.TaskFailedPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.TaskID != "T4" || payload.Error != "agent at capacity" {
		t.Fatalf("failure payload = %+v", payload)
	}
	close(release)
}

func TestWorkerShutdownControl(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rig := newTestRig(t)
	registrations, unsub := rig.bus.Subscribe(protocol.ChannelAgentRegister, 0)
	defer unsub()

	runner := RunnerFunc(func(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
		return "ok", nil
	})
	done := rig.startWorker(t, ctx, Config{ID: "A4", Model: domain.ModelClaudeHaiku}, runner)

	// Drain the register event first.
	if env := waitEnvelope(t, ctx, registrations); env.Type != protocol.MsgAgentRegister {
		t.Fatalf("first event = %s, want register", env.Type)
	}

	control, err := protocol.NewEnvelope(protocol.MsgControl, protocol.ControlPayload{
		Action: protocol.ControlShutdown,
		Reason: "rolling restart",
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	rig.bus.Publish(protocol.AgentControlChannel("A4"), control)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil after graceful drain", err)
		}
	case <-ctx.Done():
		t.Fatal("worker never shut down")
	}

	// The graceful path announces the departure.
	env := waitEnvelope(t, ctx, registrations)
	if env.Type != protocol.MsgAgentDeregister || env.AgentID != "A4" {
		t.Fatalf("departure envelope = %+v", env)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	sealer, err := secure.New("", nil, nil)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	runner := RunnerFunc(func(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
		return "", nil
	})

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing id", Config{GatewayURL: "ws://x", Model: domain.ModelGPT4o}},
		{"missing url", Config{ID: "A1", Model: domain.ModelGPT4o}},
		{"unknown model", Config{ID: "A1", GatewayURL: "ws://x", Model: "gpt-99"}},
	}
	for _, tc := range cases {
		if _, err := NewWorker(tc.cfg, runner, sealer, nil); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if _, err := NewWorker(Config{ID: "A1", GatewayURL: "ws://x", Model: domain.ModelGPT4o}, nil, sealer, nil); err == nil {
		t.Error("nil runner: expected error")
	}
}
