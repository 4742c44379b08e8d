package capability

import (
	"context"
	"log/slog"
	"time"
)

// Prober tests whether an agent can actually perform a capability and
// returns a confidence in [0,1]. Implementations run the capability's
// probe prompts against the live worker.
type Prober interface {
	Probe(ctx context.Context, agentID string, c *Capability) (float64, error)
}

// PromptProber probes by executing each probe prompt through Exec and
// reporting the fraction that succeed.
type PromptProber struct {
	Exec func(ctx context.Context, agentID, prompt string) error
}

func (p *PromptProber) Probe(ctx context.Context, agentID string, c *Capability) (float64, error) {
	if len(c.Probes) == 0 {
		return 0, nil
	}
	passed := 0
	for _, prompt := range c.Probes {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := p.Exec(ctx, agentID, prompt); err == nil {
			passed++
		}
	}
	return float64(passed) / float64(len(c.Probes)), nil
}

// ProbeStale runs one discovery pass: every agent whose capability set
// has gone stale is re-probed and confident results are merged. The
// sweep scheduler decides the cadence. A nil prober makes this a no-op.
func (r *Registry) ProbeStale(ctx context.Context) error {
	r.probeStale(ctx, time.Now())
	return ctx.Err()
}

// probeStale re-probes every agent not refreshed within CapabilityTimeout.
func (r *Registry) probeStale(ctx context.Context, now time.Time) {
	if r.prober == nil {
		return
	}

	r.mu.RLock()
	var stale []string
	for _, agentID := range r.agentOrder {
		if now.Sub(r.refreshed[agentID]) >= r.opts.CapabilityTimeout {
			stale = append(stale, agentID)
		}
	}
	r.mu.RUnlock()

	for _, agentID := range stale {
		if ctx.Err() != nil {
			return
		}
		r.probeAgent(ctx, agentID)
	}
}

// probeAgent probes one agent for every catalog capability it is not bound
// to yet. Confident discoveries are merged at the default proficiency;
// existing bindings are never removed here.
func (r *Registry) probeAgent(ctx context.Context, agentID string) {
	r.mu.RLock()
	var unbound []*Capability
	for _, id := range r.capOrder {
		if _, bound := r.bindings[agentID][id]; !bound {
			unbound = append(unbound, r.caps[id].clone())
		}
	}
	r.mu.RUnlock()

	discovered := 0
	for _, c := range unbound {
		confidence, err := r.prober.Probe(ctx, agentID, c)
		if err != nil {
			r.logger.Debug("capability probe failed",
				slog.String("agent_id", agentID),
				slog.String("capability", c.ID),
				slog.String("error", err.Error()))
			continue
		}
		if confidence <= r.opts.Threshold {
			continue
		}
		r.mu.Lock()
		if def, ok := r.caps[c.ID]; ok {
			r.bindLocked(agentID, def, r.opts.DefaultProficiency)
		}
		r.mu.Unlock()
		discovered++
		r.metrics.IncDiscovered()
		r.logger.Info("capability discovered",
			slog.String("agent_id", agentID),
			slog.String("capability", c.ID),
			slog.Float64("confidence", confidence))
	}

	r.mu.Lock()
	r.refreshed[agentID] = time.Now()
	r.mu.Unlock()

	if discovered > 0 {
		r.logger.Debug("capability probe merged new bindings",
			slog.String("agent_id", agentID),
			slog.Int("discovered", discovered))
	}
}
