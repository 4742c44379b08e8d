// Package ratelimit bounds task submission per API user with token
// buckets. Buckets refill lazily on each Allow call, so there is no
// background goroutine to manage.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user's bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Sustained rate. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Bucket capacity. 0 = defaults to RequestsPerMinute.
}

// Limiter hands each user an independent token bucket, so one noisy
// submitter cannot starve the rest.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	perSecond float64
	capacity  float64

	// now is swapped out in tests.
	now func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter creates a limiter from cfg. A zero RequestsPerMinute
// disables limiting entirely.
func NewLimiter(cfg Config) *Limiter {
	capacity := cfg.BurstSize
	if capacity <= 0 {
		capacity = cfg.RequestsPerMinute
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		perSecond: float64(cfg.RequestsPerMinute) / 60.0,
		capacity:  float64(capacity),
		now:       time.Now,
	}
}

// Allow consumes one token from userID's bucket. It returns
// ErrRateLimited when the bucket is empty; unknown users start with a
// full bucket.
func (l *Limiter) Allow(userID string) error {
	if l.perSecond <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.capacity, seen: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.seen).Seconds() * l.perSecond
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.seen = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
