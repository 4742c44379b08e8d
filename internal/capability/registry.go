package capability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Options tunes the registry. Zero values fall back to the defaults below.
type Options struct {
	// DefaultProficiency is assigned to declared capabilities that carry no
	// explicit proficiency. Default 0.8.
	DefaultProficiency float64

	// Threshold excludes match candidates scoring below it and gates
	// discovery confidence. Default 0.7.
	Threshold float64

	// EMAAlpha weighs the newest outcome in the capability score moving
	// average. Default 0.3.
	EMAAlpha float64

	// CapabilityTimeout marks an agent's capability set stale when it has
	// not been refreshed for this long. Default 5m.
	CapabilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultProficiency <= 0 {
		o.DefaultProficiency = 0.8
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.7
	}
	if o.EMAAlpha <= 0 {
		o.EMAAlpha = 0.3
	}
	if o.CapabilityTimeout <= 0 {
		o.CapabilityTimeout = 5 * time.Minute
	}
	return o
}

// ErrUnknownBinding is returned for performance updates against a
// capability the agent never bound.
var ErrUnknownBinding = fmt.Errorf("unknown agent capability binding")

// Registry owns the capability catalog and per-agent bindings. All state
// lives behind one mutex; accessors hand out copies.
type Registry struct {
	mu         sync.RWMutex
	caps       map[string]*Capability
	capOrder   []string
	bindings   map[string]map[string]*AgentCapability
	agentOrder []string
	refreshed  map[string]time.Time

	opts    Options
	prober  Prober
	logger  *slog.Logger
	metrics *Metrics
}

// NewRegistry creates a registry seeded with the default catalog. prober,
// logger, and metrics may be nil; a nil prober disables discovery probing.
func NewRegistry(opts Options, prober Prober, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		caps:      make(map[string]*Capability),
		bindings:  make(map[string]map[string]*AgentCapability),
		refreshed: make(map[string]time.Time),
		opts:      opts.withDefaults(),
		prober:    prober,
		logger:    logger,
		metrics:   metrics,
	}
	for _, c := range DefaultCatalog() {
		r.RegisterCapability(c)
	}
	return r
}

// RegisterCapability inserts a catalog definition. Idempotent: an already
// registered id keeps its original definition.
func (r *Registry) RegisterCapability(c *Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerCapabilityLocked(c)
}

func (r *Registry) registerCapabilityLocked(c *Capability) *Capability {
	if existing, ok := r.caps[c.ID]; ok {
		return existing
	}
	cp := *c
	if cp.Providers == nil {
		cp.Providers = make(map[string]bool)
	}
	r.caps[cp.ID] = &cp
	r.capOrder = append(r.capOrder, cp.ID)
	return &cp
}

// Capabilities returns catalog snapshots in registration order.
func (r *Registry) Capabilities() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capability, 0, len(r.capOrder))
	for _, id := range r.capOrder {
		out = append(out, r.caps[id].clone())
	}
	return out
}

func (c *Capability) clone() *Capability {
	cp := *c
	cp.RequiredSkills = append([]string(nil), c.RequiredSkills...)
	cp.Probes = append([]string(nil), c.Probes...)
	cp.Providers = make(map[string]bool, len(c.Providers))
	for id := range c.Providers {
		cp.Providers[id] = true
	}
	return &cp
}

// RegisterAgentCapabilities binds the declared capabilities for an agent.
// Unknown capability names get a minimal catalog entry so they can gain
// other providers later. With autoDiscover and a configured prober, the
// agent is additionally probed for every catalog capability it did not
// declare, and confident results are merged at the default proficiency.
func (r *Registry) RegisterAgentCapabilities(ctx context.Context, agentID string, declared []Declaration, autoDiscover bool) error {
	if agentID == "" {
		return fmt.Errorf("register capabilities: empty agent id")
	}

	r.mu.Lock()
	if _, ok := r.bindings[agentID]; !ok {
		r.bindings[agentID] = make(map[string]*AgentCapability)
		r.agentOrder = append(r.agentOrder, agentID)
	}
	for _, d := range declared {
		if d.Capability == "" {
			continue
		}
		def, ok := r.caps[d.Capability]
		if !ok {
			def = r.registerCapabilityLocked(&Capability{
				ID: d.Capability, Name: d.Capability, Category: "uncategorized",
			})
			r.logger.Info("capability declared outside catalog, registered",
				slog.String("capability", d.Capability),
				slog.String("agent_id", agentID))
		}
		r.bindLocked(agentID, def, d.Proficiency)
	}
	r.refreshed[agentID] = time.Now()
	r.mu.Unlock()

	if autoDiscover && r.prober != nil {
		r.probeAgent(ctx, agentID)
	}
	return nil
}

// bindLocked creates or refreshes a binding. Existing outcome history is
// kept; the score is re-seeded only while no outcomes exist. Callers hold mu.
func (r *Registry) bindLocked(agentID string, def *Capability, proficiency float64) {
	if proficiency <= 0 || proficiency > 1 {
		proficiency = r.opts.DefaultProficiency
	}
	if b, ok := r.bindings[agentID][def.ID]; ok {
		b.Proficiency = proficiency
		if b.Performance.TaskCount == 0 {
			b.Score = proficiency
		}
	} else {
		r.bindings[agentID][def.ID] = &AgentCapability{
			AgentID:      agentID,
			CapabilityID: def.ID,
			Proficiency:  proficiency,
			Score:        proficiency,
		}
	}
	def.Providers[agentID] = true
}

// Bindings returns copies of one agent's bindings in catalog order.
func (r *Registry) Bindings(agentID string) []*AgentCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.bindings[agentID]
	if !ok {
		return nil
	}
	out := make([]*AgentCapability, 0, len(set))
	for _, id := range r.capOrder {
		if b, ok := set[id]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out
}

// RemoveAgent drops an agent's bindings and provider entries. Used when an
// agent deregisters; capability definitions stay.
func (r *Registry) RemoveAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, agentID)
	delete(r.refreshed, agentID)
	for i, id := range r.agentOrder {
		if id == agentID {
			r.agentOrder = append(r.agentOrder[:i:i], r.agentOrder[i+1:]...)
			break
		}
	}
	for _, c := range r.caps {
		delete(c.Providers, agentID)
	}
}

// UpdateCapabilityPerformance folds one task outcome into the binding:
// incremental-mean response time, success counts, and the EMA score that
// biases future ranking.
func (r *Registry) UpdateCapabilityPerformance(agentID, capabilityID string, success bool, responseTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[agentID][capabilityID]
	if !ok {
		return fmt.Errorf("%s/%s: %w", agentID, capabilityID, ErrUnknownBinding)
	}

	b.Performance.TaskCount++
	if success {
		b.Performance.Successes++
	}
	ms := float64(responseTime.Milliseconds())
	b.Performance.AvgResponseTime += (ms - b.Performance.AvgResponseTime) / float64(b.Performance.TaskCount)

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	b.Score = r.opts.EMAAlpha*outcome + (1-r.opts.EMAAlpha)*b.Score

	if c, ok := r.caps[capabilityID]; ok {
		c.UsageCount++
	}
	return nil
}
