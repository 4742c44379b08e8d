package resilience

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool closed")

// DefaultPoolSize bounds the connection pool when no size is configured.
const DefaultPoolSize = 10

// Pool is a bounded pool of connections created lazily by a factory. When
// every slot is checked out, Acquire blocks until a connection is released
// or ctx is done; the pool never opens past its bound.
type Pool[T any] struct {
	factory func(ctx context.Context) (T, error)
	closeFn func(T) error
	idle    chan T
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of at most max connections. closeFn may be nil when
// connections need no teardown.
func NewPool[T any](max int, factory func(ctx context.Context) (T, error), closeFn func(T) error) *Pool[T] {
	if max <= 0 {
		max = DefaultPoolSize
	}
	return &Pool[T]{
		factory: factory,
		closeFn: closeFn,
		idle:    make(chan T, max),
		slots:   make(chan struct{}, max),
	}
}

// Acquire returns an idle connection, opens a new one when a slot is free,
// or blocks until one of those becomes possible.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	p.mu.Unlock()

	// Fast path: an idle connection is waiting.
	select {
	case v := <-p.idle:
		return v, nil
	default:
	}

	select {
	case v := <-p.idle:
		return v, nil
	case p.slots <- struct{}{}:
		v, err := p.factory(ctx)
		if err != nil {
			<-p.slots
			return zero, err
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release returns a healthy connection to the pool.
func (p *Pool[T]) Release(v T) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.dispose(v)
		<-p.slots
		return
	}
	p.idle <- v
}

// Discard drops a broken connection, freeing its slot for a fresh open.
func (p *Pool[T]) Discard(v T) {
	p.dispose(v)
	<-p.slots
}

// InUse returns the number of connections currently checked out.
func (p *Pool[T]) InUse() int {
	return len(p.slots) - len(p.idle)
}

// Close disposes all idle connections and rejects further Acquires.
// Connections still checked out are disposed as they are released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case v := <-p.idle:
			p.dispose(v)
			<-p.slots
		default:
			return nil
		}
	}
}

func (p *Pool[T]) dispose(v T) {
	if p.closeFn != nil {
		_ = p.closeFn(v)
	}
}
