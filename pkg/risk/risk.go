// Package risk defines the risk tier ladder R0..R4 and the classification of
// source-control operations against it. Tiers map to approval, audit and
// tooling requirements.
package risk

// TierID identifies a risk tier. Tiers are totally ordered: R0 < R1 < ... < R4.
type TierID string

const (
	TierR0 TierID = "R0"
	TierR1 TierID = "R1"
	TierR2 TierID = "R2"
	TierR3 TierID = "R3"
	TierR4 TierID = "R4"
)

// AllToolsAllowed is the allowlist sentinel meaning no tool restriction.
const AllToolsAllowed = "all"

// Tier dictates what a workload running at this level must satisfy.
type Tier struct {
	ID                TierID
	Name              string
	Description       string
	RequiresApproval  bool
	RequiresAudit     bool
	SecretsScanning   bool
	TamperEvidentLog  bool
	ToolAllowlist     []string // or {AllToolsAllowed}
	BlockedOperations []string
}

// tierOrder maps a tier to its rank for comparisons.
var tierOrder = map[TierID]int{
	TierR0: 0,
	TierR1: 1,
	TierR2: 2,
	TierR3: 3,
	TierR4: 4,
}

// Rank returns the tier's position in the total order, or -1 if unknown.
func (t TierID) Rank() int {
	r, ok := tierOrder[t]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether t >= other in the tier order.
func (t TierID) AtLeast(other TierID) bool {
	return t.Rank() >= other.Rank()
}

// Valid reports whether t names a known tier.
func (t TierID) Valid() bool {
	_, ok := tierOrder[t]
	return ok
}

var (
	r0 = Tier{
		ID:            TierR0,
		Name:          "Read-only",
		Description:   "Inspection only; no repository mutation",
		ToolAllowlist: []string{"scm.read", "scm.diff", "scm.log"},
		BlockedOperations: []string{
			"scm.push", "scm.merge", "scm.deploy", "scm.force_push", "scm.delete_branch",
		},
	}
	r1 = Tier{
		ID:               TierR1,
		Name:             "Scoped write",
		Description:      "Commits to agent-owned branches",
		RequiresAudit:    true,
		SecretsScanning:  true,
		TamperEvidentLog: true,
		ToolAllowlist:    []string{"scm.read", "scm.diff", "scm.log", "scm.commit", "scm.push"},
		BlockedOperations: []string{
			"scm.merge", "scm.deploy", "scm.force_push", "scm.delete_branch",
		},
	}
	r2 = Tier{
		ID:                TierR2,
		Name:              "Reviewed write",
		Description:       "Pull-request merges behind approval",
		RequiresApproval:  true,
		RequiresAudit:     true,
		SecretsScanning:   true,
		TamperEvidentLog:  true,
		ToolAllowlist:     []string{"scm.read", "scm.diff", "scm.log", "scm.commit", "scm.push", "scm.merge"},
		BlockedOperations: []string{"scm.deploy", "scm.force_push"},
	}
	r3 = Tier{
		ID:                TierR3,
		Name:              "Deploying",
		Description:       "Production deploys behind approval",
		RequiresApproval:  true,
		RequiresAudit:     true,
		SecretsScanning:   true,
		TamperEvidentLog:  true,
		ToolAllowlist:     []string{AllToolsAllowed},
		BlockedOperations: []string{"scm.force_push"},
	}
	r4 = Tier{
		ID:               TierR4,
		Name:             "Unrestricted",
		Description:      "Administrative operations including history rewrites",
		RequiresApproval: true,
		RequiresAudit:    true,
		SecretsScanning:  true,
		TamperEvidentLog: true,
		ToolAllowlist:    []string{AllToolsAllowed},
	}

	// AllTiers indexes every tier by id.
	AllTiers = map[TierID]Tier{
		TierR0: r0,
		TierR1: r1,
		TierR2: r2,
		TierR3: r3,
		TierR4: r4,
	}
)

// Get returns a tier by id, or nil if unknown.
func Get(id TierID) *Tier {
	t, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &t
}

// AllowsTool reports whether the tier's allowlist covers op.
func (t *Tier) AllowsTool(op string) bool {
	for _, allowed := range t.ToolAllowlist {
		if allowed == AllToolsAllowed || allowed == op {
			return true
		}
	}
	return false
}

// Blocks reports whether op is on the tier's blocked list.
func (t *Tier) Blocks(op string) bool {
	for _, blocked := range t.BlockedOperations {
		if blocked == op {
			return true
		}
	}
	return false
}

// OperationClass classifies one governed operation type.
type OperationClass struct {
	Operation      string
	Category       string
	MinimumTier    TierID
	ApprovalScopes []string
	AuditFields    []string
}

// operationCatalog classifies the source-control operations warden governs.
var operationCatalog = map[string]OperationClass{
	"scm.read": {
		Operation: "scm.read", Category: "source_control", MinimumTier: TierR0,
		AuditFields: []string{"repo"},
	},
	"scm.diff": {
		Operation: "scm.diff", Category: "source_control", MinimumTier: TierR0,
		AuditFields: []string{"repo", "base", "head"},
	},
	"scm.log": {
		Operation: "scm.log", Category: "source_control", MinimumTier: TierR0,
		AuditFields: []string{"repo"},
	},
	"scm.commit": {
		Operation: "scm.commit", Category: "source_control", MinimumTier: TierR1,
		AuditFields: []string{"repo", "branch", "files"},
	},
	"scm.push": {
		Operation: "scm.push", Category: "source_control", MinimumTier: TierR1,
		AuditFields: []string{"repo", "branch", "commits"},
	},
	"scm.merge": {
		Operation: "scm.merge", Category: "source_control", MinimumTier: TierR2,
		ApprovalScopes: []string{"repo:merge"},
		AuditFields:    []string{"repo", "pr", "approvers"},
	},
	"scm.deploy": {
		Operation: "scm.deploy", Category: "deployment", MinimumTier: TierR3,
		ApprovalScopes: []string{"repo:deploy", "env:production"},
		AuditFields:    []string{"repo", "environment", "revision", "approvers"},
	},
	"scm.force_push": {
		Operation: "scm.force_push", Category: "source_control", MinimumTier: TierR4,
		ApprovalScopes: []string{"repo:admin"},
		AuditFields:    []string{"repo", "branch", "reason"},
	},
	"scm.delete_branch": {
		Operation: "scm.delete_branch", Category: "source_control", MinimumTier: TierR2,
		ApprovalScopes: []string{"repo:admin"},
		AuditFields:    []string{"repo", "branch"},
	},
}

// Classify returns the classification of op, if known.
func Classify(op string) (OperationClass, bool) {
	c, ok := operationCatalog[op]
	return c, ok
}

// GateResult is the outcome of a risk-tier check.
type GateResult struct {
	Allowed     bool
	Reason      string
	MinimumTier TierID
}

// Gate applies the tier overlay for one operation: the current tier must
// reach the operation's minimum tier, stay within the policy ceiling, and
// the tier's tool rules must permit the operation. Unclassified operations
// pass through to policy evaluation.
func Gate(op string, currentTier, maxTier TierID) GateResult {
	class, ok := Classify(op)
	if !ok {
		return GateResult{Allowed: true}
	}
	result := GateResult{MinimumTier: class.MinimumTier}

	if !currentTier.AtLeast(class.MinimumTier) {
		result.Reason = "operation " + op + " requires tier " + string(class.MinimumTier) +
			" but workload runs at " + string(currentTier)
		return result
	}
	if maxTier.Valid() && !maxTier.AtLeast(class.MinimumTier) {
		result.Reason = "operation " + op + " requires tier " + string(class.MinimumTier) +
			" above policy ceiling " + string(maxTier)
		return result
	}
	tier := Get(currentTier)
	if tier == nil {
		result.Reason = "unknown tier " + string(currentTier)
		return result
	}
	if tier.Blocks(op) {
		result.Reason = "operation " + op + " is blocked at tier " + string(currentTier)
		return result
	}
	if !tier.AllowsTool(op) {
		result.Reason = "operation " + op + " is not on the tier " + string(currentTier) + " allowlist"
		return result
	}
	result.Allowed = true
	return result
}
