// Package heartbeat tracks agent liveness. Agents push heartbeats over
// their gateway connection; the Monitor records them with a TTL and a
// stale checker flips agents that go silent to unresponsive, excluding
// them from matching until they recover.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/store"
)

// Config tunes heartbeat tracking. Zero values fall back to the accessor
// defaults below.
type Config struct {
	// Interval is the expected push cadence, also used by the stale
	// checker. Default 10s.
	Interval time.Duration

	// TTL is how long a heartbeat keeps an agent alive. Default 30s.
	TTL time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return 10 * time.Second
	}
	return c.Interval
}

func (c Config) ttl() time.Duration {
	if c.TTL <= 0 {
		return 30 * time.Second
	}
	return c.TTL
}

// EffectiveTTL returns the heartbeat TTL in force, for callers advertising
// it to agents.
func (c Config) EffectiveTTL() time.Duration { return c.ttl() }

// Monitor records heartbeats and runs the stale checker over the shared
// agent registry.
type Monitor struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
}

// NewMonitor creates a monitor. A nil logger discards output.
func NewMonitor(cfg Config, st store.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{cfg: cfg, store: st, logger: logger}
}

// Record stores one observed heartbeat and revives the agent if a missed
// TTL had marked it unresponsive.
func (m *Monitor) Record(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("record heartbeat: empty agent id")
	}
	if err := m.store.RecordHeartbeat(ctx, agentID, time.Now(), m.cfg.ttl()); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", agentID, err)
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record heartbeat for %s: %w", agentID, err)
	}
	if agent.Status == domain.AgentUnresponsive {
		if err := m.store.SetAgentStatus(ctx, agentID, domain.AgentActive); err != nil {
			return fmt.Errorf("reviving %s: %w", agentID, err)
		}
		m.logger.Info("agent recovered", slog.String("agent_id", agentID))
	}
	return nil
}

// Run executes the stale checker until ctx is canceled: agents whose
// heartbeat TTL expired are marked unresponsive. Their in-flight tasks are
// left to the stuck-task scan.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Debug("heartbeat stale checker started",
		slog.Duration("interval", m.cfg.interval()),
		slog.Duration("ttl", m.cfg.ttl()))

	ticker := time.NewTicker(m.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("heartbeat stale checker stopped")
			return nil
		case <-ticker.C:
			m.CheckStale(ctx)
		}
	}
}

// CheckStale performs one stale sweep. Exposed so the cron scheduler can
// drive it alongside the other sweeps.
func (m *Monitor) CheckStale(ctx context.Context) {
	expired, err := m.store.ExpiredHeartbeats(ctx, time.Now())
	if err != nil {
		m.logger.Error("stale check failed", slog.String("error", err.Error()))
		return
	}

	for _, agentID := range expired {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			continue
		}
		if agent.Status != domain.AgentActive && agent.Status != domain.AgentOverloaded {
			continue
		}
		if err := m.store.SetAgentStatus(ctx, agentID, domain.AgentUnresponsive); err != nil {
			m.logger.Error("marking agent unresponsive",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Warn("agent heartbeat expired, marked unresponsive",
			slog.String("agent_id", agentID))
	}
}
