// Package bus provides the in-process channel-based pub/sub fabric the
// orchestrator, gateway, and local agents communicate over. Publishing is
// non-blocking: a full subscriber buffer drops the message for that
// subscriber, and delivery is at-most-once. Consumers that need stronger
// guarantees reconcile through the store, not the bus.
package bus

import (
	"io"
	"log/slog"
	"sync"

	"github.com/jkaninda/kazi/internal/protocol"
)

// DefaultBuffer is the subscriber channel buffer used when none is given.
const DefaultBuffer = 256

// Bus is a channel-name-keyed pub/sub fabric for protocol envelopes.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]chan *protocol.Envelope
	allSubs map[int]chan *protocol.Envelope
	closed  bool

	logger  *slog.Logger
	metrics *Metrics
}

// New creates an empty bus. logger and metrics may be nil.
func New(logger *slog.Logger, metrics *Metrics) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subs:    make(map[string]map[int]chan *protocol.Envelope),
		allSubs: make(map[int]chan *protocol.Envelope),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a subscriber on one channel and returns its receive
// channel plus an unsubscribe func. bufSize <= 0 uses DefaultBuffer. The
// receive channel is closed on unsubscribe and on bus Close.
func (b *Bus) Subscribe(channel string, bufSize int) (<-chan *protocol.Envelope, func()) {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan *protocol.Envelope, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan *protocol.Envelope)
	}
	b.subs[channel][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			if set, ok := b.subs[channel]; ok {
				if _, ok := set[id]; ok {
					delete(set, id)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, channel)
				}
			}
		})
	}
	return ch, unsubscribe
}

// SubscribeAll registers a subscriber that receives every published
// envelope regardless of channel. Used by monitoring taps.
func (b *Bus) SubscribeAll(bufSize int) (<-chan *protocol.Envelope, func()) {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan *protocol.Envelope, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.allSubs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			if _, ok := b.allSubs[id]; ok {
				delete(b.allSubs, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Publish sends the envelope to every subscriber of the channel and every
// all-channel subscriber. Never blocks; full buffers drop.
func (b *Bus) Publish(channel string, e *protocol.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.metrics.IncPublished(channel)

	for _, ch := range b.subs[channel] {
		select {
		case ch <- e:
		default:
			b.drop(channel, e)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
			b.drop(channel, e)
		}
	}
}

func (b *Bus) drop(channel string, e *protocol.Envelope) {
	b.metrics.IncDropped(channel)
	b.logger.Warn("bus subscriber buffer full, message dropped",
		slog.String("channel", channel),
		slog.String("type", string(e.Type)),
		slog.String("message_id", e.ID))
}

// Close shuts the bus down and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, set := range b.subs {
		for _, ch := range set {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
	b.subs = nil
	b.allSubs = nil
}
