package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wardenhq/warden/pkg/risk"
)

// ErrEvaluationFailed wraps a custom-condition failure. Callers surface it as
// a deny with reason "evaluation_error".
var ErrEvaluationFailed = errors.New("policy evaluation failed")

// ErrStrictRuleCollision is returned when strict inheritance merges two
// policies declaring the same rule id.
var ErrStrictRuleCollision = errors.New("strict inheritance rule id collision")

// EvaluationError carries the rule that caused an evaluation failure.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEvaluationFailed) hold for any EvaluationError.
func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluationFailed
}

// ResolvedRule is one rule in the flattened evaluation order, tagged with the
// policy it came from.
type ResolvedRule struct {
	Rule
	PolicyName string
}

// ResolvedPolicySet is the flat ordered rule list produced by unfolding a
// policy inheritance chain. It is immutable once built; engines evaluate
// against it concurrently.
type ResolvedPolicySet struct {
	Rules         []ResolvedRule
	DefaultAction Action
	MaxRiskTier   risk.TierID
	Policies      int
}

// Resolve unfolds a chain of policies, root first, into a flat rule list.
//
// Inheritance is taken from each child document: override replaces everything
// accumulated so far, extend appends the child's rules after the parent's,
// and strict merges while rejecting any rule id already present. Within each
// document rules are ordered by descending priority, ties kept in declaration
// order. The default action and the tightest maxRiskTier of the chain win.
func Resolve(chain ...*Document) (*ResolvedPolicySet, error) {
	if len(chain) == 0 {
		return nil, errors.New("resolve requires at least one policy")
	}

	set := &ResolvedPolicySet{Policies: len(chain)}
	seen := make(map[string]string)

	for i, doc := range chain {
		ordered := orderedRules(doc)

		mode := doc.Inheritance
		if i == 0 || mode == "" {
			mode = InheritExtend
		}
		switch mode {
		case InheritOverride:
			set.Rules = set.Rules[:0]
			seen = make(map[string]string)
			for _, r := range ordered {
				seen[r.ID] = doc.Name
				set.Rules = append(set.Rules, ResolvedRule{Rule: r, PolicyName: doc.Name})
			}
		case InheritStrict:
			for _, r := range ordered {
				if owner, dup := seen[r.ID]; dup {
					return nil, fmt.Errorf("%w: rule %q declared by both %q and %q",
						ErrStrictRuleCollision, r.ID, owner, doc.Name)
				}
				seen[r.ID] = doc.Name
				set.Rules = append(set.Rules, ResolvedRule{Rule: r, PolicyName: doc.Name})
			}
		default: // extend
			for _, r := range ordered {
				seen[r.ID] = doc.Name
				set.Rules = append(set.Rules, ResolvedRule{Rule: r, PolicyName: doc.Name})
			}
		}

		set.DefaultAction = doc.DefaultAction
		if doc.MaxRiskTier != "" {
			tier := risk.TierID(doc.MaxRiskTier)
			if !tier.Valid() {
				return nil, fmt.Errorf("policy %q: unknown risk tier %q", doc.Name, doc.MaxRiskTier)
			}
			if set.MaxRiskTier == "" || tier.Rank() < set.MaxRiskTier.Rank() {
				set.MaxRiskTier = tier
			}
		}
	}
	return set, nil
}

func orderedRules(doc *Document) []Rule {
	ordered := make([]Rule, len(doc.Rules))
	copy(ordered, doc.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}

// Engine evaluates requests against resolved policy sets. Safe for concurrent
// use; compiled custom-condition programs are cached across evaluations.
type Engine struct {
	clock    func() time.Time
	programs *programCache
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine clock, for deterministic tests.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an evaluation engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		clock:    time.Now,
		programs: newProgramCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides one request against a resolved policy set.
//
// The first matching rule with a deciding effect (allow, deny,
// require_approval) fixes the outcome; continueOnMatch rules keep scanning
// for notify/log_only/warn side effects without changing it. A
// require_approval outcome upgrades to allow when the request carries
// approvals satisfying the rule's approval config. The risk tier overlay can
// still turn any allow into a deny.
func (e *Engine) Evaluate(req *EvaluationRequest, set *ResolvedPolicySet) (*EvaluationResult, error) {
	start := e.clock()
	result := &EvaluationResult{
		RequiredActions: []RequiredAction{},
		Metadata: EvaluationMetadata{
			EvaluatedAt:       start,
			PoliciesEvaluated: set.Policies,
		},
	}

	var decided *ResolvedRule
	for i := range set.Rules {
		rule := &set.Rules[i]
		if !rule.Enabled {
			continue
		}
		result.Metadata.RulesEvaluated++

		matched, err := e.matchRule(rule, req)
		if err != nil {
			return nil, &EvaluationError{RuleID: rule.ID, Err: err}
		}
		if !matched {
			continue
		}

		if decided == nil {
			decided = rule
			e.applyDecision(result, rule, req)
			if !rule.Action.ContinueOnMatch {
				break
			}
			continue
		}

		// Past the deciding rule we only accumulate side effects.
		switch rule.Action.Effect {
		case EffectNotify, EffectLogOnly, EffectWarn:
			result.RequiredActions = append(result.RequiredActions, sideEffect(rule))
		}
	}

	if decided == nil {
		result.Effect = set.DefaultAction.Effect
		result.Reason = set.DefaultAction.Reason
		result.Allowed = set.DefaultAction.Effect == EffectAllow
	}

	e.applyTierOverlay(result, req, set)

	result.Metadata.EvaluationTimeMs = float64(e.clock().Sub(start)) / float64(time.Millisecond)
	return result, nil
}

// matchRule evaluates a rule's conditions under its combinator. A rule with
// no conditions always matches.
func (e *Engine) matchRule(rule *ResolvedRule, req *EvaluationRequest) (bool, error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}
	anyOf := rule.Combinator == CombinatorOr
	for _, cond := range rule.Conditions {
		matched, err := e.matchCondition(cond, req)
		if err != nil {
			return false, err
		}
		if anyOf && matched {
			return true, nil
		}
		if !anyOf && !matched {
			return false, nil
		}
	}
	return !anyOf, nil
}

func (e *Engine) applyDecision(result *EvaluationResult, rule *ResolvedRule, req *EvaluationRequest) {
	result.Effect = rule.Action.Effect
	result.Reason = rule.Action.Reason
	result.MatchedRule = rule.ID
	result.Allowed = rule.Action.Effect == EffectAllow

	switch rule.Action.Effect {
	case EffectRequireApproval:
		if approvalSatisfied(rule.Action.Approval, req) {
			result.Allowed = true
			result.Effect = EffectAllow
			if result.Reason == "" {
				result.Reason = "approval requirement satisfied"
			}
		} else {
			result.RequiredActions = append(result.RequiredActions, RequiredAction{
				Type:    "approval",
				RuleID:  rule.ID,
				Message: rule.Action.Reason,
			})
		}
	case EffectNotify, EffectLogOnly, EffectWarn:
		result.RequiredActions = append(result.RequiredActions, sideEffect(rule))
	}
}

func sideEffect(rule *ResolvedRule) RequiredAction {
	action := RequiredAction{RuleID: rule.ID, Message: rule.Action.Reason}
	switch rule.Action.Effect {
	case EffectNotify:
		action.Type = "notify"
		if rule.Action.Notification != nil && rule.Action.Notification.Message != "" {
			action.Message = rule.Action.Notification.Message
		}
	case EffectLogOnly:
		action.Type = "log"
	case EffectWarn:
		action.Type = "warn"
	}
	return action
}

// approvalSatisfied checks the recorded approvals against the rule's config.
func approvalSatisfied(cfg *ApprovalConfig, req *EvaluationRequest) bool {
	if !req.HasApproval {
		return false
	}
	if cfg == nil {
		return true
	}
	valid := 0
	for _, approval := range req.Approvals {
		if !cfg.AllowSelfApproval && approval.ApproverID == req.Actor {
			continue
		}
		if len(cfg.RequiredRoles) > 0 && !hasAnyRole(approval.Roles, cfg.RequiredRoles) {
			continue
		}
		valid++
	}
	return valid >= cfg.MinApprovers
}

func hasAnyRole(have, want []string) bool {
	for _, w := range want {
		if containsFold(have, w) {
			return true
		}
	}
	return false
}

// applyTierOverlay enforces the risk tier floor and ceiling. It only ever
// downgrades the result to deny.
func (e *Engine) applyTierOverlay(result *EvaluationResult, req *EvaluationRequest, set *ResolvedPolicySet) {
	if req.CurrentTier == "" {
		return
	}
	gate := risk.Gate(req.Action, risk.TierID(req.CurrentTier), set.MaxRiskTier)
	if gate.Allowed {
		return
	}
	result.Allowed = false
	result.Effect = EffectDeny
	result.Reason = gate.Reason
}
