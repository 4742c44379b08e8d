package bus

import (
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/protocol"
)

func envelope(t *testing.T, msgType protocol.MessageType) *protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(msgType, nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return e
}

func TestPublishSubscribe(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	ch, cancel := b.Subscribe(protocol.ChannelTaskComplete, 10)
	defer cancel()

	sent := envelope(t, protocol.MsgTaskComplete)
	b.Publish(protocol.ChannelTaskComplete, sent)

	select {
	case got := <-ch:
		if got.ID != sent.ID {
			t.Errorf("id = %s, want %s", got.ID, sent.ID)
		}
		if got.Type != protocol.MsgTaskComplete {
			t.Errorf("type = %s, want %s", got.Type, protocol.MsgTaskComplete)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for envelope")
	}
}

func TestChannelIsolation(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	completeCh, cancel1 := b.Subscribe(protocol.ChannelTaskComplete, 10)
	defer cancel1()
	failedCh, cancel2 := b.Subscribe(protocol.ChannelTaskFailed, 10)
	defer cancel2()

	b.Publish(protocol.ChannelTaskComplete, envelope(t, protocol.MsgTaskComplete))

	select {
	case <-completeCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for envelope")
	}
	select {
	case got := <-failedCh:
		t.Fatalf("failed channel received %s", got.Type)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	ch1, cancel1 := b.Subscribe(protocol.ChannelAgentRegister, 10)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(protocol.ChannelAgentRegister, 10)
	defer cancel2()

	b.Publish(protocol.ChannelAgentRegister, envelope(t, protocol.MsgAgentRegister))

	for i, ch := range []<-chan *protocol.Envelope{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for envelope", i+1)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	ch, cancel := b.Subscribe(protocol.ChannelAgentStatus, 10)
	cancel()
	// Safe to call twice.
	cancel()

	b.Publish(protocol.ChannelAgentStatus, envelope(t, protocol.MsgAgentStatus))

	if _, ok := <-ch; ok {
		t.Fatal("received envelope after unsubscribe")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	_, cancel := b.Subscribe(protocol.ChannelTaskFailed, 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(protocol.ChannelTaskFailed, envelope(t, protocol.MsgTaskFailed))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestSubscribeAllSeesEveryChannel(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	all, cancel := b.SubscribeAll(10)
	defer cancel()

	b.Publish(protocol.ChannelAgentRegister, envelope(t, protocol.MsgAgentRegister))
	b.Publish(protocol.ChannelTaskComplete, envelope(t, protocol.MsgTaskComplete))

	seen := make(map[protocol.MessageType]bool)
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			seen[e.Type] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for envelope")
		}
	}
	if !seen[protocol.MsgAgentRegister] || !seen[protocol.MsgTaskComplete] {
		t.Errorf("seen = %v, want both message types", seen)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New(nil, nil)
	ch, _ := b.Subscribe(protocol.ChannelAgentError, 10)

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after close")
	}

	// Publish and Subscribe after close must not panic.
	b.Publish(protocol.ChannelAgentError, envelope(t, protocol.MsgAgentError))
	late, cancel := b.Subscribe(protocol.ChannelAgentError, 10)
	cancel()
	if _, ok := <-late; ok {
		t.Fatal("subscription after close delivered an envelope")
	}
}
