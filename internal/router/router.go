// Package router classifies task difficulty and picks a cost-appropriate
// model, token budget, and priority. Every decision carries a reasoning
// trace naming the rules that fired, so routing is auditable and
// deterministic for a fixed input.
package router

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// Tier is the coarse difficulty classification.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Budget caps the tokens a task may spend.
type Budget struct {
	Input  int `json:"in"`
	Output int `json:"out"`
}

var tierBudgets = map[Tier]Budget{
	TierSimple:   {Input: 500, Output: 300},
	TierModerate: {Input: 1500, Output: 1000},
	TierComplex:  {Input: 3000, Output: 2000},
}

var tierPriorities = map[Tier]int{
	TierSimple:   3,
	TierModerate: 5,
	TierComplex:  8,
}

// Complexity is the scored breakdown behind a tier classification.
type Complexity struct {
	Score     float64 `json:"score"`
	Tier      Tier    `json:"tier"`
	FileSize  float64 `json:"fileSize"`
	Keywords  float64 `json:"keywords"`
	TaskType  float64 `json:"taskType"`
	Structure float64 `json:"structure"`
}

// Decision is the routing outcome for one task.
type Decision struct {
	Model         domain.Model `json:"model"`
	QueueName     string       `json:"queueName"`
	Budget        Budget       `json:"budget"`
	Priority      int          `json:"priority"`
	FallbackModel domain.Model `json:"fallbackModel"`
	Complexity    Complexity   `json:"complexity"`
	Reasoning     []string     `json:"reasoning"`
}

// Candidate model lists per task type, ordered by preference. Closed over
// domain.Model so a missing mapping is a compile-time hole, not a runtime
// lookup miss.
var typeCandidates = map[domain.TaskType][]domain.Model{
	domain.TaskTypeBugfix:        {domain.ModelClaudeSonnet, domain.ModelGPT4o, domain.ModelDeepseekCoder, domain.ModelClaudeHaiku, domain.ModelGPT4oMini},
	domain.TaskTypeFeature:       {domain.ModelClaudeOpus, domain.ModelGPT4o, domain.ModelClaudeSonnet, domain.ModelDeepseekCoder},
	domain.TaskTypeRefactor:      {domain.ModelClaudeOpus, domain.ModelClaudeSonnet, domain.ModelDeepseekCoder, domain.ModelGPT4o},
	domain.TaskTypeDocumentation: {domain.ModelClaudeHaiku, domain.ModelGPT4oMini, domain.ModelClaudeSonnet},
	domain.TaskTypeTesting:       {domain.ModelDeepseekCoder, domain.ModelClaudeSonnet, domain.ModelGPT4oMini, domain.ModelGPT4o},
	domain.TaskTypeSecurity:      {domain.ModelClaudeOpus, domain.ModelGPT4o},
	domain.TaskTypeAnalysis:      {domain.ModelClaudeOpus, domain.ModelClaudeSonnet, domain.ModelGPT4o},
	domain.TaskTypeGeneral:       {domain.ModelClaudeSonnet, domain.ModelGPT4oMini, domain.ModelClaudeHaiku, domain.ModelGPT4o},
}

// Model classes the tier narrowing selects from.
var (
	flagshipModels = map[domain.Model]bool{
		domain.ModelClaudeOpus: true,
		domain.ModelGPT4o:      true,
	}
	midTierModels = map[domain.Model]bool{
		domain.ModelClaudeSonnet:  true,
		domain.ModelDeepseekCoder: true,
	}
	economyModels = map[domain.Model]bool{
		domain.ModelClaudeHaiku: true,
		domain.ModelGPT4oMini:   true,
	}
	largeContextModels = map[domain.Model]bool{
		domain.ModelClaudeOpus:   true,
		domain.ModelClaudeSonnet: true,
		domain.ModelClaudeHaiku:  true,
	}
)

func tierClass(t Tier) map[domain.Model]bool {
	switch t {
	case TierComplex:
		return flagshipModels
	case TierModerate:
		return midTierModels
	default:
		return economyModels
	}
}

// Keyword tables for prompt complexity. Simple keywords pull the score
// down, complex ones push it up from a 0.5 baseline.
var (
	simpleKeywords = []string{
		"fix", "typo", "rename", "bump", "correct", "update", "tweak",
		"small", "minor", "quick", "simple", "format",
	}
	complexKeywords = []string{
		"architect", "design", "refactor", "optimize", "migrate",
		"concurren", "distributed", "scale", "security", "integrate",
		"algorithm", "performance", "protocol", "transaction",
	}
)

// Type inference patterns for tasks that arrive without a type. Order
// matters: security outranks the rest.
var typePatterns = []struct {
	re       *regexp.Regexp
	taskType domain.TaskType
}{
	{regexp.MustCompile(`(?i)secur|vulnerab|exploit|injection`), domain.TaskTypeSecurity},
	{regexp.MustCompile(`(?i)fix|bug|error|crash|debug|broken`), domain.TaskTypeBugfix},
	{regexp.MustCompile(`(?i)refactor|clean\s?up|restructure`), domain.TaskTypeRefactor},
	{regexp.MustCompile(`(?i)\btests?\b|\btesting\b|coverage`), domain.TaskTypeTesting},
	{regexp.MustCompile(`(?i)document|readme|changelog`), domain.TaskTypeDocumentation},
	{regexp.MustCompile(`(?i)implement|create|build|feature`), domain.TaskTypeFeature},
	{regexp.MustCompile(`(?i)analy[sz]e|investigate|review|explain`), domain.TaskTypeAnalysis},
}

var typeComplexity = map[domain.TaskType]float64{
	domain.TaskTypeBugfix:        0.3,
	domain.TaskTypeFeature:       0.6,
	domain.TaskTypeRefactor:      0.7,
	domain.TaskTypeDocumentation: 0.2,
	domain.TaskTypeTesting:       0.4,
	domain.TaskTypeSecurity:      0.8,
	domain.TaskTypeAnalysis:      0.5,
	domain.TaskTypeGeneral:       0.4,
}

// Source-structure counting patterns, language-agnostic on purpose.
var (
	funcPattern = regexp.MustCompile(`(?m)^\s*(func |function |def |fn |((public|private|protected|static)\s+)*\w+\s+\w+\s*\()`)
	typePattern = regexp.MustCompile(`(?m)^\s*(class |type \w+ (struct|interface)|interface |trait )`)
	condPattern = regexp.MustCompile(`\b(if|switch|case|match)\b`)
	loopPattern = regexp.MustCompile(`\b(for|while|range|loop)\b`)
)

// thresholds for the composite score
const (
	complexThreshold  = 0.7
	moderateThreshold = 0.4
	largeFileFactor   = 0.8
)

// Options tunes the router.
type Options struct {
	// WorkspaceDir is where task file references are resolved. Empty means
	// the process working directory.
	WorkspaceDir string

	// MaxFileBytes caps how much of a referenced file is read for structure
	// analysis. Default 256 KiB.
	MaxFileBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 256 * 1024
	}
	return o
}

// Router scores and routes tasks. Stateless apart from configuration, so a
// single instance serves every queue.
type Router struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a router. logger and metrics may be nil.
func New(opts Options, logger *slog.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{opts: opts.withDefaults(), logger: logger, metrics: metrics}
}

// RouteTask scores the task and returns the model, queue, budget, and
// priority it should run with.
func (r *Router) RouteTask(t *domain.Task) (*Decision, error) {
	if t == nil {
		return nil, fmt.Errorf("route: %w", domain.ErrInvalidTask)
	}

	var reasoning []string

	taskType := t.Type
	if taskType == "" {
		taskType = inferType(t.Prompt)
		reasoning = append(reasoning, fmt.Sprintf("task type %s inferred from prompt", taskType))
	} else {
		reasoning = append(reasoning, fmt.Sprintf("task type %s declared", taskType))
	}

	sizeFactor, content, sizeReason := r.fileFactor(t.File)
	reasoning = append(reasoning, sizeReason)

	keywords := keywordComplexity(t.Prompt)
	reasoning = append(reasoning, fmt.Sprintf("keyword complexity %.2f", keywords))

	typeScore := typeComplexity[taskType]
	reasoning = append(reasoning, fmt.Sprintf("type complexity %.2f", typeScore))

	structure := 0.0
	if len(content) > 0 {
		structure = structureComplexity(content)
		reasoning = append(reasoning, fmt.Sprintf("structure complexity %.2f from %s", structure, t.File))
	}

	score := sizeFactor*0.2 + keywords*0.4 + typeScore*0.3 + structure*0.1
	tier := classify(score)
	reasoning = append(reasoning, fmt.Sprintf("complexity %.2f classified %s", score, tier))

	model, selectionReason := selectModel(taskType, tier, sizeFactor)
	reasoning = append(reasoning, selectionReason)

	fallback := fallbackFor(taskType, model)
	reasoning = append(reasoning, fmt.Sprintf("fallback model %s", fallback))

	priority := t.Priority
	if priority <= 0 {
		priority = tierPriorities[tier]
		reasoning = append(reasoning, fmt.Sprintf("priority %d from %s tier", priority, tier))
	} else {
		reasoning = append(reasoning, fmt.Sprintf("priority %d kept from task", priority))
	}

	d := &Decision{
		Model:         model,
		QueueName:     model.QueueName(),
		Budget:        tierBudgets[tier],
		Priority:      priority,
		FallbackModel: fallback,
		Complexity: Complexity{
			Score:     score,
			Tier:      tier,
			FileSize:  sizeFactor,
			Keywords:  keywords,
			TaskType:  typeScore,
			Structure: structure,
		},
		Reasoning: reasoning,
	}

	r.metrics.ObserveRoute(string(tier), string(model))
	r.logger.Debug("task routed",
		slog.String("task_id", t.ID),
		slog.String("model", string(model)),
		slog.String("tier", string(tier)),
		slog.Float64("score", score))
	return d, nil
}

func classify(score float64) Tier {
	switch {
	case score >= complexThreshold:
		return TierComplex
	case score >= moderateThreshold:
		return TierModerate
	default:
		return TierSimple
	}
}

func inferType(prompt string) domain.TaskType {
	for _, p := range typePatterns {
		if p.re.MatchString(prompt) {
			return p.taskType
		}
	}
	return domain.TaskTypeGeneral
}

// keywordComplexity starts at 0.5 and moves 0.15 per matched keyword set,
// plus a small bonus for long prompts, clamped to [0,1].
func keywordComplexity(prompt string) float64 {
	lower := strings.ToLower(prompt)
	score := 0.5
	for _, k := range simpleKeywords {
		if strings.Contains(lower, k) {
			score -= 0.15
			break
		}
	}
	for _, k := range complexKeywords {
		if strings.Contains(lower, k) {
			score += 0.15
			break
		}
	}
	score += min(float64(len(prompt))/2000, 0.2)
	return clamp01(score)
}

// fileFactor returns the capped size factor, the file content when it was
// small enough to read, and the reasoning line.
func (r *Router) fileFactor(file string) (float64, []byte, string) {
	if file == "" {
		return 0, nil, "no file referenced"
	}
	path := file
	if r.opts.WorkspaceDir != "" {
		path = filepath.Join(r.opts.WorkspaceDir, file)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, nil, fmt.Sprintf("file %s not readable, size factor 0", file)
	}
	factor := min(float64(info.Size())/100_000, 1)
	if info.Size() > r.opts.MaxFileBytes {
		return factor, nil, fmt.Sprintf("file %s: %d bytes, size factor %.2f, structure analysis skipped", file, info.Size(), factor)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return factor, nil, fmt.Sprintf("file %s not readable, size factor %.2f", file, factor)
	}
	return factor, content, fmt.Sprintf("file %s: %d bytes, size factor %.2f", file, info.Size(), factor)
}

// structureComplexity scores source shape from line, definition,
// conditional, and loop counts, each normalized and capped.
func structureComplexity(content []byte) float64 {
	text := string(content)
	lines := strings.Count(text, "\n") + 1
	units := len(funcPattern.FindAllString(text, -1)) + len(typePattern.FindAllString(text, -1))
	conds := len(condPattern.FindAllString(text, -1))
	loops := len(loopPattern.FindAllString(text, -1))

	return clamp01(
		0.35*min(float64(lines)/500, 1) +
			0.3*min(float64(units)/30, 1) +
			0.2*min(float64(conds)/40, 1) +
			0.15*min(float64(loops)/25, 1))
}

// selectModel narrows the type's candidate list by tier. Security tasks
// always get a flagship model; size factor past largeFileFactor forces a
// large-context model regardless of tier.
func selectModel(taskType domain.TaskType, tier Tier, sizeFactor float64) (domain.Model, string) {
	candidates := typeCandidates[taskType]
	if len(candidates) == 0 {
		candidates = typeCandidates[domain.TaskTypeGeneral]
	}

	if taskType == domain.TaskTypeSecurity {
		if m, ok := firstIn(candidates, flagshipModels); ok {
			return m, fmt.Sprintf("security task forces flagship model %s", m)
		}
		return domain.ModelClaudeOpus, "security task forces flagship model claude-3-opus"
	}

	if sizeFactor > largeFileFactor {
		if m, ok := firstIn(candidates, largeContextModels); ok {
			return m, fmt.Sprintf("large file forces large-context model %s", m)
		}
		return domain.ModelClaudeSonnet, "large file forces large-context model claude-3-sonnet"
	}

	if m, ok := firstIn(candidates, tierClass(tier)); ok {
		return m, fmt.Sprintf("%s tier selects %s from %s candidates", tier, m, taskType)
	}
	return candidates[0], fmt.Sprintf("no %s-tier candidate for %s, using %s", tier, taskType, candidates[0])
}

func firstIn(candidates []domain.Model, class map[domain.Model]bool) (domain.Model, bool) {
	for _, m := range candidates {
		if class[m] {
			return m, true
		}
	}
	return "", false
}

// fallbackFor picks the first candidate of the type list that is not the
// chosen model.
func fallbackFor(taskType domain.TaskType, chosen domain.Model) domain.Model {
	candidates := typeCandidates[taskType]
	if len(candidates) == 0 {
		candidates = typeCandidates[domain.TaskTypeGeneral]
	}
	for _, m := range candidates {
		if m != chosen {
			return m
		}
	}
	if chosen != domain.ModelClaudeSonnet {
		return domain.ModelClaudeSonnet
	}
	return domain.ModelGPT4oMini
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
