package router

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/domain"
)

func TestRouteTaskDeterministicBugfix(t *testing.T) {
	r := New(Options{}, nil, nil)

	task := &domain.Task{
		ID:     domain.NewID(),
		Prompt: "Fix the null pointer bug in auth.js",
	}

	first, err := r.RouteTask(task)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if first.Complexity.Tier != TierSimple {
		t.Fatalf("tier = %s, want %s (score %.2f)", first.Complexity.Tier, TierSimple, first.Complexity.Score)
	}
	if first.Budget != (Budget{Input: 500, Output: 300}) {
		t.Fatalf("budget = %+v, want {500 300}", first.Budget)
	}
	if first.Model != domain.ModelClaudeHaiku {
		t.Fatalf("model = %s, want %s", first.Model, domain.ModelClaudeHaiku)
	}
	if first.QueueName != "queue:claude-3-haiku" {
		t.Fatalf("queue = %s", first.QueueName)
	}
	if first.Priority != 3 {
		t.Fatalf("priority = %d, want 3", first.Priority)
	}
	if first.FallbackModel == first.Model {
		t.Fatalf("fallback equals chosen model %s", first.Model)
	}
	if len(first.Reasoning) == 0 {
		t.Fatal("expected a reasoning trace")
	}

	// Same input, same decision.
	second, err := r.RouteTask(task)
	if err != nil {
		t.Fatalf("route again: %v", err)
	}
	if second.Model != first.Model || second.QueueName != first.QueueName ||
		second.Budget != first.Budget || second.Priority != first.Priority {
		t.Fatalf("routing not deterministic: %+v vs %+v", first, second)
	}
}

func TestRouteTaskTiers(t *testing.T) {
	r := New(Options{}, nil, nil)

	tests := []struct {
		name string
		task domain.Task
		tier Tier
	}{
		{
			name: "typo fix is simple",
			task: domain.Task{ID: "t1", Prompt: "Fix a typo in the readme", Type: domain.TaskTypeDocumentation},
			tier: TierSimple,
		},
		{
			name: "feature build is moderate",
			task: domain.Task{ID: "t2", Prompt: "Implement pagination and integrate cursor support for the task listing endpoint", Type: domain.TaskTypeFeature},
			tier: TierModerate,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := r.RouteTask(&tc.task)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if d.Complexity.Tier != tc.tier {
				t.Fatalf("tier = %s, want %s (score %.2f, reasoning %v)",
					d.Complexity.Tier, tc.tier, d.Complexity.Score, d.Reasoning)
			}
		})
	}
}

func TestRouteTaskComplexTier(t *testing.T) {
	dir := t.TempDir()
	src := strings.Repeat("def handle(x):\n    if x:\n        for i in range(3):\n            pass\n", 2_000)
	if err := os.WriteFile(filepath.Join(dir, "engine.py"), []byte(src), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := New(Options{WorkspaceDir: dir}, nil, nil)
	d, err := r.RouteTask(&domain.Task{
		ID:     "t3",
		Prompt: "Redesign the storage layer architecture to support distributed transactions " + strings.Repeat("across every tenant shard ", 15),
		File:   "engine.py",
		Type:   domain.TaskTypeRefactor,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Complexity.Tier != TierComplex {
		t.Fatalf("tier = %s, want %s (score %.2f, reasoning %v)",
			d.Complexity.Tier, TierComplex, d.Complexity.Score, d.Reasoning)
	}
	if d.Budget != (Budget{Input: 3000, Output: 2000}) {
		t.Fatalf("budget = %+v, want {3000 2000}", d.Budget)
	}
}

func TestRouteTaskSecurityForcesFlagship(t *testing.T) {
	r := New(Options{}, nil, nil)

	d, err := r.RouteTask(&domain.Task{
		ID:     "sec-1",
		Prompt: "Check the login form for SQL injection",
		Type:   domain.TaskTypeSecurity,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !flagshipModels[d.Model] {
		t.Fatalf("security task routed to %s, want a flagship model", d.Model)
	}
}

func TestRouteTaskLargeFileForcesLargeContext(t *testing.T) {
	dir := t.TempDir()
	// Past the 0.8 size-factor threshold (100KB scale), under MaxFileBytes.
	big := strings.Repeat("x = 1\n", 16_000)
	if err := os.WriteFile(filepath.Join(dir, "big.py"), []byte(big), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := New(Options{WorkspaceDir: dir}, nil, nil)
	d, err := r.RouteTask(&domain.Task{
		ID:     "big-1",
		Prompt: "Fix the typo in the banner string",
		File:   "big.py",
		Type:   domain.TaskTypeBugfix,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !largeContextModels[d.Model] {
		t.Fatalf("large file routed to %s, want a large-context model", d.Model)
	}
}

func TestRouteTaskInferType(t *testing.T) {
	tests := []struct {
		prompt string
		want   domain.TaskType
	}{
		{"Investigate the possible injection vulnerability", domain.TaskTypeSecurity},
		{"Debug the crash on startup", domain.TaskTypeBugfix},
		{"Clean up the handlers package", domain.TaskTypeRefactor},
		{"Add tests for the parser", domain.TaskTypeTesting},
		{"Update the README with install steps", domain.TaskTypeDocumentation},
		{"Implement the export feature", domain.TaskTypeFeature},
		{"Explain how the scheduler works", domain.TaskTypeAnalysis},
		{"Do the thing", domain.TaskTypeGeneral},
	}
	for _, tc := range tests {
		if got := inferType(tc.prompt); got != tc.want {
			t.Errorf("inferType(%q) = %s, want %s", tc.prompt, got, tc.want)
		}
	}
}

func TestRouteTaskKeepsExplicitPriority(t *testing.T) {
	r := New(Options{}, nil, nil)

	d, err := r.RouteTask(&domain.Task{
		ID:       "p-1",
		Prompt:   "Fix the typo",
		Type:     domain.TaskTypeBugfix,
		Priority: 9,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Priority != 9 {
		t.Fatalf("priority = %d, want explicit 9 kept", d.Priority)
	}
}

func TestRouteTaskNil(t *testing.T) {
	r := New(Options{}, nil, nil)
	if _, err := r.RouteTask(nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}
