// Package scheduler runs the orchestrator's periodic sweeps as named cron
// jobs: stuck-task scan, failure analysis, queue balancing, capability
// discovery, heartbeat stale checks, and health publishing. Jobs carry an
// overlap guard so a slow sweep is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named periodic sweep. Spec is a cron expression; the
// "@every <duration>" form is what the sweeps use.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler owns the cron runner for sweep jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *Metrics

	ctx atomic.Pointer[context.Context]
}

// New creates an empty scheduler. logger and metrics may be nil.
func New(logger *slog.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		logger:  logger,
		metrics: metrics,
	}
}

// Add registers a job. Must be called before Run. Overlapping executions
// of the same job are skipped, not queued.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run func")
	}

	var running atomic.Bool
	_, err := s.cron.AddFunc(job.Spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.metrics.IncSkipped(job.Name)
			s.logger.Warn("sweep still running, skipping",
				slog.String("job", job.Name))
			return
		}
		defer running.Store(false)

		ctx := context.Background()
		if p := s.ctx.Load(); p != nil {
			ctx = *p
		}
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		if err := job.Run(ctx); err != nil {
			s.metrics.IncFailed(job.Name)
			s.logger.Error("sweep failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()))
		}
		s.metrics.ObserveRun(job.Name, time.Since(started))
		s.logger.Debug("sweep finished",
			slog.String("job", job.Name),
			slog.Duration("took", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("scheduler: adding job %s: %w", job.Name, err)
	}
	s.logger.Debug("sweep registered",
		slog.String("job", job.Name),
		slog.String("spec", job.Spec))
	return nil
}

// Run starts the cron runner and blocks until ctx is canceled, then waits
// for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx.Store(&ctx)
	s.cron.Start()
	s.logger.Info("sweep scheduler started",
		slog.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("sweep scheduler stopped")
	return nil
}
