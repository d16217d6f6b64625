// Package policy implements the policy document model, schema validation with
// version migration, and the evaluation engine that turns a request into an
// allow/deny/require-approval decision.
package policy

import "time"

// Supported schema versions, oldest first.
const (
	Version10 = "1.0"
	Version11 = "1.1"
	Version20 = "2.0"
)

// CurrentVersion is the version documents are migrated to.
const CurrentVersion = Version20

// Scope determines where a policy applies and what it may inherit from.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeOrg    Scope = "org"
	ScopeRepo   Scope = "repo"
	ScopeBranch Scope = "branch"
)

// Inheritance controls how a child policy combines with its parent.
type Inheritance string

const (
	// InheritOverride replaces the parent's rules entirely.
	InheritOverride Inheritance = "override"
	// InheritExtend appends the child's rules after the parent's.
	InheritExtend Inheritance = "extend"
	// InheritStrict merges parent and child and fails on any rule id collision.
	InheritStrict Inheritance = "strict"
)

// Effect is the decision a matched rule produces.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
	EffectNotify          Effect = "notify"
	EffectLogOnly         Effect = "log_only"
	EffectWarn            Effect = "warn"
)

// deciding reports whether the effect fixes the final allow/deny outcome.
func (e Effect) deciding() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return true
	}
	return false
}

// ConditionType tags the condition variant.
type ConditionType string

const (
	CondComplexity  ConditionType = "complexity"
	CondFilePattern ConditionType = "file_pattern"
	CondAuthor      ConditionType = "author"
	CondTimeWindow  ConditionType = "time_window"
	CondRepository  ConditionType = "repository"
	CondBranch      ConditionType = "branch"
	CondLabel       ConditionType = "label"
	CondAgent       ConditionType = "agent"
	CondCustom      ConditionType = "custom"
)

// Operator compares a numeric request attribute against a threshold.
type Operator string

const (
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpGTE Operator = "gte"
	OpGT  Operator = "gt"
)

// MatchMode selects how a set condition matches (labels).
type MatchMode string

const (
	MatchAny  MatchMode = "any"
	MatchAll  MatchMode = "all"
	MatchNone MatchMode = "none"
)

// WindowMode selects whether a time window matches inside or outside itself.
type WindowMode string

const (
	WindowDuring  WindowMode = "during"
	WindowOutside WindowMode = "outside"
)

// Condition is the tagged variant over the condition types. Only the fields
// for the tagged type are set; validators enforce that.
type Condition struct {
	Type ConditionType `json:"type"`

	// complexity, agent
	Operator  Operator `json:"operator,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`

	// file_pattern, repository, branch
	Patterns []string `json:"patterns,omitempty"`

	// author
	Authors    []string `json:"authors,omitempty"`
	ActorTypes []string `json:"actorTypes,omitempty"`

	// time_window
	StartHour *int       `json:"startHour,omitempty"`
	EndHour   *int       `json:"endHour,omitempty"`
	Days      []string   `json:"days,omitempty"`
	Window    WindowMode `json:"window,omitempty"`

	// label
	Labels []string  `json:"labels,omitempty"`
	Match  MatchMode `json:"match,omitempty"`

	// agent
	AgentIDs []string `json:"agentIds,omitempty"`

	// custom: a CEL expression over {actor, action, resource, context}
	Expression string `json:"expression,omitempty"`
}

// ApprovalConfig parameterises a require_approval action.
type ApprovalConfig struct {
	MinApprovers      int      `json:"minApprovers"`
	RequiredRoles     []string `json:"requiredRoles,omitempty"`
	TimeoutHours      int      `json:"timeoutHours,omitempty"`
	AllowSelfApproval bool     `json:"allowSelfApproval,omitempty"`
}

// NotificationConfig parameterises a notify action.
type NotificationConfig struct {
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Action is what a matched rule does.
type Action struct {
	Effect          Effect              `json:"effect"`
	Reason          string              `json:"reason,omitempty"`
	Severity        string              `json:"severity,omitempty"`
	Approval        *ApprovalConfig     `json:"approval,omitempty"`
	Notification    *NotificationConfig `json:"notification,omitempty"`
	ContinueOnMatch bool                `json:"continueOnMatch,omitempty"`
}

// Combinator joins a rule's conditions.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
)

// Rule is one ordered, prioritised policy rule.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Priority   int         `json:"priority"`
	Combinator Combinator  `json:"combinator,omitempty"` // default "and"
	Conditions []Condition `json:"conditions,omitempty"`
	Action     Action      `json:"action"`
}

// Metadata carries free-form document annotations.
type Metadata struct {
	Description string            `json:"description,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Document is a versioned policy document.
type Document struct {
	Version        string      `json:"version"`
	Name           string      `json:"name"`
	Scope          Scope       `json:"scope"`
	ScopeTarget    string      `json:"scopeTarget,omitempty"`
	Inheritance    Inheritance `json:"inheritance,omitempty"`
	ParentPolicyID string      `json:"parentPolicyId,omitempty"`
	MaxRiskTier    string      `json:"maxRiskTier,omitempty"`
	Rules          []Rule      `json:"rules"`
	DefaultAction  Action      `json:"defaultAction"`
	Metadata       Metadata    `json:"metadata,omitempty"`
}

// --- Evaluation request/result wire forms ---

// RequestResource describes the repository slice a request touches.
type RequestResource struct {
	Repo       string   `json:"repo,omitempty"`
	Branch     string   `json:"branch,omitempty"`
	Files      []string `json:"files,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Complexity float64  `json:"complexity,omitempty"`
}

// RequestContext carries request provenance.
type RequestContext struct {
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// Approval is one recorded approval on a request.
type Approval struct {
	ApproverID string   `json:"approverId"`
	Roles      []string `json:"roles,omitempty"`
}

// AgentDecision carries an agent's self-reported confidence, consumed by
// agent conditions.
type AgentDecision struct {
	AgentID    string  `json:"agentId"`
	Confidence float64 `json:"confidence"`
}

// EvaluationRequest is one governed action to decide on.
type EvaluationRequest struct {
	Actor         string          `json:"actor"`
	ActorType     string          `json:"actorType,omitempty"`
	Action        string          `json:"action"`
	Resource      RequestResource `json:"resource"`
	Context       RequestContext  `json:"context"`
	HasApproval   bool            `json:"hasApproval"`
	Approvals     []Approval      `json:"approvals,omitempty"`
	AgentDecision *AgentDecision  `json:"agentDecision,omitempty"`
	CurrentTier   string          `json:"currentTier,omitempty"`
}

// RequiredAction is a side effect accumulated during evaluation.
type RequiredAction struct {
	Type    string `json:"type"` // notify | log | warn | approval
	RuleID  string `json:"ruleId"`
	Message string `json:"message,omitempty"`
}

// EvaluationMetadata reports how the decision was reached.
type EvaluationMetadata struct {
	EvaluatedAt       time.Time `json:"evaluatedAt"`
	EvaluationTimeMs  float64   `json:"evaluationTimeMs"`
	RulesEvaluated    int       `json:"rulesEvaluated"`
	PoliciesEvaluated int       `json:"policiesEvaluated"`
}

// EvaluationResult is the engine's decision.
type EvaluationResult struct {
	Allowed         bool               `json:"allowed"`
	Effect          Effect             `json:"effect"`
	Reason          string             `json:"reason,omitempty"`
	MatchedRule     string             `json:"matchedRule,omitempty"`
	RequiredActions []RequiredAction   `json:"requiredActions"`
	Metadata        EvaluationMetadata `json:"metadata"`
}
