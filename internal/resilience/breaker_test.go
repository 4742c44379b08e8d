package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

func testRegistry(threshold uint32, timeout time.Duration) *BreakerRegistry {
	return NewBreakerRegistry(BreakerConfig{Threshold: threshold, Timeout: timeout}, nil, nil)
}

var errBoom = errors.New("boom")

// --- Trip behavior ---

func TestBreakerTripsAfterThreshold(t *testing.T) {
	reg := testRegistry(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := reg.Do("svc", func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got: %v", i, err)
		}
	}

	// The breaker is now open: the guarded function must not run.
	invoked := false
	err := reg.Do("svc", func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if invoked {
		t.Fatal("guarded function ran while breaker was open")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	reg := testRegistry(3, time.Minute)

	_ = reg.Do("svc", func() error { return errBoom })
	_ = reg.Do("svc", func() error { return errBoom })
	if err := reg.Do("svc", func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}

	// Two more failures stay under the consecutive threshold.
	_ = reg.Do("svc", func() error { return errBoom })
	if err := reg.Do("svc", func() error { return errBoom }); errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatal("breaker tripped despite non-consecutive failures")
	}
}

func TestBreakerTrippedIsReadOnly(t *testing.T) {
	reg := testRegistry(3, time.Minute)

	if reg.Tripped("svc") {
		t.Fatal("fresh breaker reported tripped")
	}

	_ = reg.Do("svc", func() error { return errBoom })
	_ = reg.Do("svc", func() error { return errBoom })

	// Reading the state must not count as a success and reset the
	// consecutive-failure count.
	if reg.Tripped("svc") {
		t.Fatal("breaker open below threshold")
	}
	_ = reg.Do("svc", func() error { return errBoom })
	if !reg.Tripped("svc") {
		t.Fatal("breaker closed after threshold failures")
	}
}

// --- Recovery ---

func TestBreakerHalfOpenTrialClosesOnSuccess(t *testing.T) {
	reg := testRegistry(2, 50*time.Millisecond)

	_ = reg.Do("svc", func() error { return errBoom })
	_ = reg.Do("svc", func() error { return errBoom })
	if err := reg.Do("svc", func() error { return nil }); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected open rejection, got: %v", err)
	}

	time.Sleep(70 * time.Millisecond)

	// Trial call is let through and closes the breaker.
	if err := reg.Do("svc", func() error { return nil }); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if err := reg.Do("svc", func() error { return nil }); err != nil {
		t.Fatalf("post-recovery call: %v", err)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	reg := testRegistry(2, 50*time.Millisecond)

	_ = reg.Do("svc", func() error { return errBoom })
	_ = reg.Do("svc", func() error { return errBoom })

	time.Sleep(70 * time.Millisecond)

	if err := reg.Do("svc", func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: expected boom, got: %v", err)
	}
	if err := reg.Do("svc", func() error { return nil }); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected reopened breaker, got: %v", err)
	}
}

// --- Cancellation and isolation ---

func TestBreakerIgnoresCancellation(t *testing.T) {
	reg := testRegistry(2, time.Minute)

	for i := 0; i < 5; i++ {
		_ = reg.Do("svc", func() error { return context.Canceled })
	}
	if err := reg.Do("svc", func() error { return nil }); err != nil {
		t.Fatalf("breaker tripped on cancellations: %v", err)
	}
}

func TestBreakersAreIndependentPerService(t *testing.T) {
	reg := testRegistry(2, time.Minute)

	_ = reg.Do("a", func() error { return errBoom })
	_ = reg.Do("a", func() error { return errBoom })

	if err := reg.Do("a", func() error { return nil }); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("service a should be open, got: %v", err)
	}
	if err := reg.Do("b", func() error { return nil }); err != nil {
		t.Fatalf("service b should be unaffected: %v", err)
	}
}

// --- Snapshot ---

func TestBreakerSnapshot(t *testing.T) {
	reg := testRegistry(5, time.Minute)

	_ = reg.Do("store", func() error { return errBoom })
	_ = reg.Do("messaging", func() error { return nil })

	snaps := reg.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Service != "messaging" || snaps[1].Service != "store" {
		t.Fatalf("expected sorted services, got %s, %s", snaps[0].Service, snaps[1].Service)
	}
	if snaps[1].FailureCount != 1 {
		t.Fatalf("expected 1 failure on store, got %d", snaps[1].FailureCount)
	}
	if snaps[1].State != "closed" {
		t.Fatalf("expected closed state, got %s", snaps[1].State)
	}
	if snaps[1].LastFailureTime.IsZero() {
		t.Fatal("expected last failure time to be recorded")
	}
}
