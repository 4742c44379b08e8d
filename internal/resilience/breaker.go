// Package resilience keeps the orchestrator alive under partial failure:
// per-service circuit breakers, bounded-retry helpers, and a bounded
// connection pool.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jkaninda/kazi/internal/domain"
)

// Guarded service names used across the orchestrator.
const (
	ServiceTaskExecution = "task_execution"
	ServiceMessaging     = "messaging"
	ServiceStore         = "store"
)

// BreakerConfig configures every breaker a registry creates.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that trips CLOSED -> OPEN.
	Threshold uint32
	// Timeout is how long the breaker stays OPEN before allowing a single
	// HALF_OPEN trial call.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the standard breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 60 * time.Second}
}

// BreakerSnapshot is a point-in-time view of one breaker's state machine.
type BreakerSnapshot struct {
	Service         string        `json:"service"`
	State           string        `json:"state"`
	FailureCount    uint32        `json:"failureCount"`
	LastFailureTime time.Time     `json:"lastFailureTime"`
	Threshold       uint32        `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
}

// BreakerRegistry manages one independent circuit breaker per service name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*serviceBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
	metrics  *Metrics
}

type serviceBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu          sync.Mutex
	failures    uint32
	lastFailure time.Time
}

// NewBreakerRegistry creates an empty registry. A nil logger discards output.
func NewBreakerRegistry(cfg BreakerConfig, metrics *Metrics, logger *slog.Logger) *BreakerRegistry {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BreakerRegistry{
		breakers: make(map[string]*serviceBreaker),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// get returns the breaker for the service, creating it on first use.
func (r *BreakerRegistry) get(service string) *serviceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	threshold := r.cfg.Threshold
	b := &serviceBreaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // single trial call in HALF_OPEN
		Interval:    0, // never clear counts while CLOSED
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if r.metrics != nil {
				r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
				r.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			}
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a service failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[service] = b
	return b
}

// Do runs fn through the service's breaker. While the breaker is OPEN the
// call fails fast with a wrapped domain.ErrCircuitOpen and fn is never
// invoked.
func (r *BreakerRegistry) Do(service string, fn func() error) error {
	b := r.get(service)

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		b.mu.Lock()
		b.failures = 0
		b.mu.Unlock()
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if r.metrics != nil {
			r.metrics.BreakerRejections.WithLabelValues(service).Inc()
		}
		return fmt.Errorf("%s: %w", service, domain.ErrCircuitOpen)
	}

	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		b.mu.Lock()
		b.failures++
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return err
}

// Tripped reports whether the service's breaker is OPEN. Unlike Do it
// reads the state without recording an outcome, so callers can gate
// work on a breaker another path feeds.
func (r *BreakerRegistry) Tripped(service string) bool {
	return r.get(service).cb.State() == gobreaker.StateOpen
}

// Snapshot returns the state of every breaker, sorted by service name.
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for service, b := range r.breakers {
		b.mu.Lock()
		failures, lastFailure := b.failures, b.lastFailure
		b.mu.Unlock()

		out = append(out, BreakerSnapshot{
			Service:         service,
			State:           b.cb.State().String(),
			FailureCount:    failures,
			LastFailureTime: lastFailure,
			Threshold:       r.cfg.Threshold,
			Timeout:         r.cfg.Timeout,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
