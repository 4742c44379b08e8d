package capability

import (
	"log/slog"
	"sort"

	"github.com/jkaninda/kazi/internal/domain"
)

// Requirements is the capability demand extracted from a task.
type Requirements struct {
	Required  []string
	Preferred []string
}

// Candidate is one ranked agent for a task.
type Candidate struct {
	Agent      *domain.Agent `json:"agent"`
	MatchScore float64       `json:"matchScore"`
	Ranking    float64       `json:"ranking"`
}

// Extract derives a task's capability requirements. Required comes only
// from the task's explicit list; preferred is inferred from the task type
// and from prompt patterns, minus anything already required.
func Extract(t *domain.Task) Requirements {
	req := Requirements{Required: append([]string(nil), t.RequiredCapabilities...)}

	seen := make(map[string]bool, len(req.Required))
	for _, c := range req.Required {
		seen[c] = true
	}
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			req.Preferred = append(req.Preferred, c)
		}
	}
	for _, c := range t.PreferredCapabilities {
		add(c)
	}
	for _, c := range typeCapabilities[t.Type] {
		add(c)
	}
	for _, rule := range patternRules {
		if rule.re.MatchString(t.Prompt) {
			add(rule.capability)
		}
	}
	return req
}

// Match scores and ranks the given agents for the task. Agents that are
// unavailable, missing any required capability, or scoring below the
// matching threshold are excluded. The result is ordered best first;
// ranking ties break on lower current load, then on input order.
func (r *Registry) Match(t *domain.Task, agents []*domain.Agent) []Candidate {
	req := Extract(t)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, a := range agents {
		if !a.Available() {
			continue
		}
		score, blocked := r.matchScoreLocked(a.ID, req)
		if blocked || score < r.opts.Threshold {
			if blocked {
				r.metrics.IncBlocked()
			}
			continue
		}
		out = append(out, Candidate{
			Agent:      a,
			MatchScore: score,
			Ranking:    r.rankingLocked(a, score, req),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ranking != out[j].Ranking {
			return out[i].Ranking > out[j].Ranking
		}
		return out[i].Agent.CurrentLoad < out[j].Agent.CurrentLoad
	})

	r.metrics.ObserveMatch(len(out))
	if len(out) == 0 {
		r.logger.Debug("no eligible agent for task",
			slog.String("task_id", t.ID),
			slog.Any("required", req.Required))
	}
	return out
}

// matchScoreLocked computes requiredMatch*0.7 + preferredMatch*0.3 for one
// agent. Each term is the mean capability score across matched entries; an
// empty demand list counts as fully satisfied. Any unmet required
// capability blocks the agent outright.
func (r *Registry) matchScoreLocked(agentID string, req Requirements) (score float64, blocked bool) {
	set := r.bindings[agentID]

	requiredMatch := 1.0
	if len(req.Required) > 0 {
		var sum float64
		for _, id := range req.Required {
			b, ok := set[id]
			if !ok {
				return 0, true
			}
			sum += b.Score
		}
		requiredMatch = sum / float64(len(req.Required))
	}

	preferredMatch := 1.0
	if len(req.Preferred) > 0 {
		var sum float64
		matched := 0
		for _, id := range req.Preferred {
			if b, ok := set[id]; ok {
				sum += b.Score
				matched++
			}
		}
		if matched == 0 {
			preferredMatch = 0
		} else {
			preferredMatch = sum / float64(matched)
		}
	}

	return requiredMatch*0.7 + preferredMatch*0.3, false
}

// rankingLocked orders passing candidates: the match score scaled to 100,
// discounted by the matched bindings' success rate, the agent's load, and
// a response-time factor floored at 0.5.
func (r *Registry) rankingLocked(a *domain.Agent, matchScore float64, req Requirements) float64 {
	set := r.bindings[a.ID]

	var rateSum, rtSum float64
	matched := 0
	for _, id := range append(append([]string(nil), req.Required...), req.Preferred...) {
		if b, ok := set[id]; ok {
			rateSum += b.Performance.SuccessRate()
			rtSum += b.Performance.AvgResponseTime
			matched++
		}
	}
	successRate := 1.0
	avgResponseTime := 0.0
	if matched > 0 {
		successRate = rateSum / float64(matched)
		avgResponseTime = rtSum / float64(matched)
	}

	loadFactor := 1 - float64(a.CurrentLoad)/100
	if loadFactor < 0 {
		loadFactor = 0
	}
	responseTimeFactor := 1 - avgResponseTime/10000
	if responseTimeFactor < 0.5 {
		responseTimeFactor = 0.5
	}

	return matchScore * 100 * successRate * loadFactor * responseTimeFactor
}
