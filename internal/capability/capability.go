// Package capability holds the capability catalog, per-agent proficiency
// bindings, and the matcher that ranks agents for a task. The registry is
// the single owner of this state; everything else reads through its
// accessor methods.
package capability

import (
	"regexp"

	"github.com/jkaninda/kazi/internal/domain"
)

// Capability is one entry in the catalog. Providers grows as agents declare
// or are discovered to support the capability; the definition itself is
// registered once.
type Capability struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	RequiredSkills []string        `json:"requiredSkills,omitempty"`
	Probes         []string        `json:"-"` // discovery test prompts
	Providers      map[string]bool `json:"providers,omitempty"`
	UsageCount     int             `json:"usageCount"`
}

// Declaration binds one capability at registration time. Proficiency 0
// means "use the registry default".
type Declaration struct {
	Capability  string
	Proficiency float64
}

// Declare builds plain declarations at default proficiency.
func Declare(names ...string) []Declaration {
	out := make([]Declaration, 0, len(names))
	for _, n := range names {
		out = append(out, Declaration{Capability: n})
	}
	return out
}

// CapabilityPerformance is the rolling per-binding outcome record.
type CapabilityPerformance struct {
	TaskCount       int     `json:"taskCount"`
	Successes       int     `json:"successes"`
	AvgResponseTime float64 `json:"avgResponseTime"` // milliseconds
}

// SuccessRate returns successes/taskCount, or 1 with no history so fresh
// bindings are not penalized.
func (p CapabilityPerformance) SuccessRate() float64 {
	if p.TaskCount == 0 {
		return 1
	}
	return float64(p.Successes) / float64(p.TaskCount)
}

// AgentCapability is one agent's binding to one capability; the unit the
// matcher ranks on. Score starts at the declared proficiency and drifts
// with outcomes as an exponential moving average.
type AgentCapability struct {
	AgentID      string                `json:"agentId"`
	CapabilityID string                `json:"capabilityId"`
	Proficiency  float64               `json:"proficiency"`
	Score        float64               `json:"score"`
	Performance  CapabilityPerformance `json:"performance"`
}

// Known capability ids.
const (
	CapCodeGeneration  = "code.generation"
	CapCodeDebugging   = "code.debugging"
	CapCodeRefactoring = "code.refactoring"
	CapCodeReview      = "code.review"
	CapDocsWriting     = "docs.writing"
	CapTestWriting     = "test.writing"
	CapSecurityAudit   = "security.audit"
	CapAnalysis        = "analysis.general"
)

// DefaultCatalog returns the built-in capability definitions in declaration
// order.
func DefaultCatalog() []*Capability {
	return []*Capability{
		{
			ID: CapCodeGeneration, Name: "Code generation", Category: "code",
			RequiredSkills: []string{"programming"},
			Probes:         []string{"Write a function that reverses a string in place."},
		},
		{
			ID: CapCodeDebugging, Name: "Code debugging", Category: "code",
			RequiredSkills: []string{"programming", "analysis"},
			Probes:         []string{"Find the off-by-one error in: for (let i = 0; i <= arr.length; i++) sum += arr[i];"},
		},
		{
			ID: CapCodeRefactoring, Name: "Code refactoring", Category: "code",
			RequiredSkills: []string{"programming"},
			Probes:         []string{"Refactor two near-identical functions into one parameterized helper."},
		},
		{
			ID: CapCodeReview, Name: "Code review", Category: "code",
			RequiredSkills: []string{"programming", "analysis"},
			Probes:         []string{"Review this change for correctness and style: return users.filter(u => u.active == true);"},
		},
		{
			ID: CapDocsWriting, Name: "Documentation writing", Category: "documentation",
			RequiredSkills: []string{"writing"},
			Probes:         []string{"Write a README section describing how to install and run a CLI tool."},
		},
		{
			ID: CapTestWriting, Name: "Test writing", Category: "testing",
			RequiredSkills: []string{"programming", "testing"},
			Probes:         []string{"Write unit tests for a function that parses semantic version strings."},
		},
		{
			ID: CapSecurityAudit, Name: "Security audit", Category: "security",
			RequiredSkills: []string{"security", "analysis"},
			Probes:         []string{"Identify the vulnerability in: db.query(\"SELECT * FROM users WHERE name = '\" + input + \"'\");"},
		},
		{
			ID: CapAnalysis, Name: "General analysis", Category: "analysis",
			RequiredSkills: []string{"analysis"},
			Probes:         []string{"Summarize the trade-offs between polling and event-driven task dispatch."},
		},
	}
}

// typeCapabilities infers preferred capabilities from the task type.
var typeCapabilities = map[domain.TaskType][]string{
	domain.TaskTypeBugfix:        {CapCodeDebugging},
	domain.TaskTypeFeature:       {CapCodeGeneration},
	domain.TaskTypeRefactor:      {CapCodeRefactoring},
	domain.TaskTypeDocumentation: {CapDocsWriting},
	domain.TaskTypeTesting:       {CapTestWriting},
	domain.TaskTypeSecurity:      {CapSecurityAudit, CapCodeReview},
	domain.TaskTypeAnalysis:      {CapAnalysis},
}

// patternRule infers a preferred capability from prompt text.
type patternRule struct {
	re         *regexp.Regexp
	capability string
}

var patternRules = []patternRule{
	{regexp.MustCompile(`(?i)debug|fix|bug|error|crash|broken`), CapCodeDebugging},
	{regexp.MustCompile(`(?i)implement|create|build|add (a|an|new|support)`), CapCodeGeneration},
	{regexp.MustCompile(`(?i)refactor|clean\s?up|restructure|simplify`), CapCodeRefactoring},
	{regexp.MustCompile(`(?i)review|critique`), CapCodeReview},
	{regexp.MustCompile(`(?i)document|readme|changelog|docstring`), CapDocsWriting},
	{regexp.MustCompile(`(?i)\btests?\b|\btesting\b|coverage`), CapTestWriting},
	{regexp.MustCompile(`(?i)secur|vulnerab|exploit|injection|sanitiz`), CapSecurityAudit},
	{regexp.MustCompile(`(?i)analy[sz]e|investigate|explain`), CapAnalysis},
}
