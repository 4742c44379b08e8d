package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     int32
	closed atomic.Bool
}

func newFakePool(max int) (*Pool[*fakeConn], *atomic.Int32) {
	var created atomic.Int32
	factory := func(_ context.Context) (*fakeConn, error) {
		return &fakeConn{id: created.Add(1)}, nil
	}
	closeFn := func(c *fakeConn) error {
		c.closed.Store(true)
		return nil
	}
	return NewPool(max, factory, closeFn), &created
}

func TestPoolReusesReleasedConnections(t *testing.T) {
	pool, created := newFakePool(4)
	ctx := context.Background()

	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(c)

	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if created.Load() != 1 {
		t.Fatalf("expected 1 connection created, got %d", created.Load())
	}
	if c2 != c {
		t.Fatal("expected the released connection to be reused")
	}
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	pool, _ := newFakePool(1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan *fakeConn, 1)
	go func() {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(held)

	select {
	case c := <-got:
		if c != held {
			t.Fatal("expected the released connection")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquire never woke up after release")
	}
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	pool, _ := newFakePool(1)

	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
}

func TestPoolDiscardFreesSlot(t *testing.T) {
	pool, created := newFakePool(1)
	ctx := context.Background()

	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Discard(c)
	if !c.closed.Load() {
		t.Fatal("discarded connection was not closed")
	}

	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if c2 == c || created.Load() != 2 {
		t.Fatalf("expected a fresh connection, created=%d", created.Load())
	}
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	pool, _ := newFakePool(2)
	ctx := context.Background()

	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(c)

	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.closed.Load() {
		t.Fatal("idle connection was not closed")
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got: %v", err)
	}
}

func TestPoolInUse(t *testing.T) {
	pool, _ := newFakePool(3)
	ctx := context.Background()

	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)
	if got := pool.InUse(); got != 2 {
		t.Fatalf("expected 2 in use, got %d", got)
	}
	pool.Release(a)
	pool.Release(b)
	if got := pool.InUse(); got != 0 {
		t.Fatalf("expected 0 in use, got %d", got)
	}
}
