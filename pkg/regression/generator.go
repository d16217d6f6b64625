// Package regression turns resolved violations into golden regression tasks:
// reproducible test specifications a workflow runner replays to prove the
// class of incident stays fixed.
package regression

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/violation"
)

// Generator defaults.
const (
	DefaultSLATargetHours = 48
	DefaultMinScore       = 80
)

// defaultWorkflowMapping routes violation types to the workflow that should
// replay them.
var defaultWorkflowMapping = map[violation.Type]string{
	violation.TypePolicyDenied:     "policy-enforcement",
	violation.TypeApprovalBypassed: "approval-gate",
	violation.TypeLimitExceeded:    "rate-limiter",
	violation.TypeAnomalyDetected:  "anomaly-detection",
}

// requiredKeywords picks the phrases a passing replay transcript must
// contain per violation type.
var requiredKeywords = map[violation.Type][]string{
	violation.TypePolicyDenied:     {"policy", "denied"},
	violation.TypeApprovalBypassed: {"approval"},
	violation.TypeLimitExceeded:    {"limit"},
	violation.TypeAnomalyDetected:  {"anomaly"},
}

// requiredActions picks the decision a passing replay must reproduce.
var requiredActions = map[violation.Type][]string{
	violation.TypePolicyDenied:     {"deny"},
	violation.TypeApprovalBypassed: {"require_approval"},
	violation.TypeLimitExceeded:    {"throttle"},
	violation.TypeAnomalyDetected:  {"flag"},
}

// TaskSource records which incident a golden task came from.
type TaskSource struct {
	ViolationID   string             `yaml:"violationId" json:"violationId"`
	ViolationType violation.Type     `yaml:"violationType" json:"violationType"`
	Severity      violation.Severity `yaml:"severity" json:"severity"`
}

// ExpectedOutput is the pass criterion for a golden task.
type ExpectedOutput struct {
	MinScore         int      `yaml:"minScore" json:"minScore"`
	RequiredKeywords []string `yaml:"requiredKeywords,omitempty" json:"requiredKeywords,omitempty"`
	RequiredActions  []string `yaml:"requiredActions,omitempty" json:"requiredActions,omitempty"`
}

// SLA reports detection-to-resolution timing for the source incident.
type SLA struct {
	TargetHours float64 `yaml:"targetHours" json:"targetHours"`
	ActualHours float64 `yaml:"actualHours" json:"actualHours"`
	WithinSLA   bool    `yaml:"withinSla" json:"withinSla"`
}

// GoldenTask is one reproducible regression specification.
type GoldenTask struct {
	ID             string         `yaml:"id" json:"id"`
	Workflow       string         `yaml:"workflow" json:"workflow"`
	Source         TaskSource     `yaml:"source" json:"source"`
	Input          map[string]any `yaml:"input" json:"input"`
	ExpectedOutput ExpectedOutput `yaml:"expectedOutput" json:"expectedOutput"`
	SLA            SLA            `yaml:"sla" json:"sla"`
	Tags           []string       `yaml:"tags" json:"tags"`
}

// taskFile is the emitted YAML document shape.
type taskFile struct {
	Tasks []*GoldenTask `yaml:"tasks"`
}

// GenerateResult is the outcome of one generation attempt.
type GenerateResult struct {
	Generated bool        `json:"generated"`
	Reason    string      `json:"reason,omitempty"`
	Task      *GoldenTask `json:"task,omitempty"`
	YAML      string      `json:"yaml,omitempty"`
}

// Config tunes a Generator.
type Config struct {
	// MinimumSeverity gates which incidents produce tasks. Default high.
	MinimumSeverity violation.Severity
	SLATargetHours  float64
	// WorkflowMapping overrides individual type → workflow routes.
	WorkflowMapping map[violation.Type]string

	OnTaskGenerated func(task *GoldenTask, yaml string)
}

// Generator synthesises golden tasks from closed violations. Each violation
// id generates at most once per generator lifetime.
type Generator struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	generated map[string]bool
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the generator's logger.
func WithLogger(log *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.log = log }
}

// NewGenerator creates a generator.
func NewGenerator(cfg Config, opts ...GeneratorOption) *Generator {
	if cfg.MinimumSeverity == "" {
		cfg.MinimumSeverity = violation.SeverityHigh
	}
	if cfg.SLATargetHours <= 0 {
		cfg.SLATargetHours = DefaultSLATargetHours
	}
	g := &Generator{
		cfg:       cfg,
		log:       slog.Default(),
		generated: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromViolation builds a golden task for a resolved or dismissed violation.
func (g *Generator) FromViolation(v *violation.Violation) (*GenerateResult, error) {
	if v.Status != violation.StatusResolved && v.Status != violation.StatusDismissed {
		return &GenerateResult{Reason: "violation is still open"}, nil
	}
	if !v.Severity.AtLeast(g.cfg.MinimumSeverity) {
		return &GenerateResult{
			Reason: fmt.Sprintf("severity %s below minimum %s", v.Severity, g.cfg.MinimumSeverity),
		}, nil
	}

	g.mu.Lock()
	if g.generated[v.ID] {
		g.mu.Unlock()
		return &GenerateResult{Reason: "already generated"}, nil
	}
	g.mu.Unlock()

	// A failed build or render does not mark the id, so the violation can
	// be retried once the underlying data is fixed.
	task := g.buildTask(v)
	if err := validateTask(task); err != nil {
		return nil, fmt.Errorf("generated task invalid: %w", err)
	}

	rendered, err := renderYAML(task, v)
	if err != nil {
		return nil, fmt.Errorf("task render failed: %w", err)
	}

	g.mu.Lock()
	if g.generated[v.ID] {
		g.mu.Unlock()
		return &GenerateResult{Reason: "already generated"}, nil
	}
	g.generated[v.ID] = true
	g.mu.Unlock()

	g.log.Info("golden task generated",
		"task", task.ID, "workflow", task.Workflow, "withinSla", task.SLA.WithinSLA)
	if g.cfg.OnTaskGenerated != nil {
		g.cfg.OnTaskGenerated(task, rendered)
	}
	return &GenerateResult{Generated: true, Task: task, YAML: rendered}, nil
}

func (g *Generator) buildTask(v *violation.Violation) *GoldenTask {
	workflow, ok := g.cfg.WorkflowMapping[v.Type]
	if !ok {
		workflow = defaultWorkflowMapping[v.Type]
	}

	input := map[string]any{
		"tenantId":  v.TenantID,
		"actorId":   v.Actor.ID,
		"actorType": v.Actor.Type,
		"resource":  v.Resource.ID,
		"action":    v.Action.Type,
	}
	if v.Action.RuleID != "" {
		input["ruleId"] = v.Action.RuleID
	}
	for k, val := range v.Details {
		input[k] = val
	}

	actual := v.Metadata.UpdatedAt.Sub(v.DetectedAt).Hours()
	if actual < 0 {
		actual = 0
	}

	return &GoldenTask{
		ID:       "incident-" + v.ID,
		Workflow: workflow,
		Source: TaskSource{
			ViolationID:   v.ID,
			ViolationType: v.Type,
			Severity:      v.Severity,
		},
		Input: input,
		ExpectedOutput: ExpectedOutput{
			MinScore:         DefaultMinScore,
			RequiredKeywords: requiredKeywords[v.Type],
			RequiredActions:  requiredActions[v.Type],
		},
		SLA: SLA{
			TargetHours: g.cfg.SLATargetHours,
			ActualHours: actual,
			WithinSLA:   actual <= g.cfg.SLATargetHours,
		},
		Tags: []string{"incident-regression", string(v.Type)},
	}
}

// validateTask enforces the golden task shape before emitting YAML.
func validateTask(task *GoldenTask) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("task id is empty")
	case task.Workflow == "":
		return fmt.Errorf("task %s has no workflow", task.ID)
	case task.Source.ViolationID == "":
		return fmt.Errorf("task %s has no source violation", task.ID)
	case len(task.Input) == 0:
		return fmt.Errorf("task %s has no input", task.ID)
	case task.ExpectedOutput.MinScore <= 0 || task.ExpectedOutput.MinScore > 100:
		return fmt.Errorf("task %s has minScore out of range", task.ID)
	}
	for _, tag := range task.Tags {
		if tag == "incident-regression" {
			return nil
		}
	}
	return fmt.Errorf("task %s is missing the incident-regression tag", task.ID)
}

// renderYAML emits a tasks file with a provenance header the workflow runner
// preserves.
func renderYAML(task *GoldenTask, v *violation.Violation) (string, error) {
	var b strings.Builder
	b.WriteString("# Auto-generated golden task\n")
	fmt.Fprintf(&b, "# Source violation: %s (%s, %s)\n", v.ID, v.Type, v.Severity)
	fmt.Fprintf(&b, "# Detected: %s\n", v.DetectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# SLA: target %.0fh, actual %.1fh, within=%t\n",
		task.SLA.TargetHours, task.SLA.ActualHours, task.SLA.WithinSLA)
	if v.Metadata.ResolutionNotes != "" {
		fmt.Fprintf(&b, "# Resolution: %s\n", v.Metadata.ResolutionNotes)
	}

	out, err := yaml.Marshal(taskFile{Tasks: []*GoldenTask{task}})
	if err != nil {
		return "", err
	}
	b.Write(out)
	return b.String(), nil
}
