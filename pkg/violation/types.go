// Package violation detects, stores, and aggregates governance violations:
// denied policy decisions, approval bypasses, rate-limit breaches, and
// anomaly signals. Detections are deduplicated by a keyed fingerprint and
// aggregated into patterns over a sliding window.
package violation

import (
	"fmt"
	"time"
)

// Type tags the violation source class.
type Type string

const (
	TypePolicyDenied     Type = "policy-denied"
	TypeApprovalBypassed Type = "approval-bypassed"
	TypeLimitExceeded    Type = "limit-exceeded"
	TypeAnomalyDetected  Type = "anomaly-detected"
)

// Severity is ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the severity's position in the order, or -1 if unknown.
func (s Severity) Rank() int {
	r, ok := severityOrder[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s >= other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Status tracks a violation through its lifecycle. Transitions move forward
// only; resolved and dismissed are terminal.
type Status string

const (
	StatusDetected     Status = "detected"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusDismissed    Status = "dismissed"
)

// allowedTransitions encodes the monotonic status machine.
var allowedTransitions = map[Status][]Status{
	StatusDetected:     {StatusAcknowledged, StatusEscalated, StatusResolved, StatusDismissed},
	StatusAcknowledged: {StatusEscalated, StatusResolved, StatusDismissed},
	StatusEscalated:    {StatusResolved, StatusDismissed},
	StatusResolved:     {},
	StatusDismissed:    {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Actor identifies who performed the violating action.
type Actor struct {
	Type string `json:"type"` // agent | human | service
	ID   string `json:"id"`
}

// Resource identifies what the action targeted.
type Resource struct {
	Type string `json:"type"` // repo | branch | environment
	ID   string `json:"id"`
}

// ActionRef names the governed operation that triggered the violation.
type ActionRef struct {
	Type   string `json:"type"` // e.g. scm.push
	RuleID string `json:"ruleId,omitempty"`
}

// Metadata carries lifecycle bookkeeping.
type Metadata struct {
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	UpdatedBy       string    `json:"updatedBy,omitempty"`
	ResolutionNotes string    `json:"resolutionNotes,omitempty"`
}

// Violation is one detected governance violation.
type Violation struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	Type        Type           `json:"type"`
	Severity    Severity       `json:"severity"`
	Source      string         `json:"source"`
	Status      Status         `json:"status"`
	Actor       Actor          `json:"actor"`
	Resource    Resource       `json:"resource"`
	Action      ActionRef      `json:"action"`
	Summary     string         `json:"summary"`
	Details     map[string]any `json:"details,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Metadata    Metadata       `json:"metadata"`
}

// DetectResult reports the outcome of one detection call.
type DetectResult struct {
	Created      bool       `json:"created"`
	Deduplicated bool       `json:"deduplicated"`
	Violation    *Violation `json:"violation,omitempty"`
}

// Pattern is an aggregation of violations sharing a group key within a
// window that crossed the configured threshold.
type Pattern struct {
	TenantID     string    `json:"tenantId"`
	ActorID      string    `json:"actorId"`
	ResourceID   string    `json:"resourceId"`
	Type         Type      `json:"type"`
	Count        int       `json:"count"`
	MaxSeverity  Severity  `json:"maxSeverity"`
	WindowStart  time.Time `json:"windowStart"`
	DetectedAt   time.Time `json:"detectedAt"`
	ViolationIDs []string  `json:"violationIds"`
}

// StoreError is a typed store failure carrying a stable machine code.
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two StoreErrors by code so sentinel comparisons via errors.Is
// survive wrapping with contextual messages.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

// Stable violation error codes.
var (
	ErrViolationNotFound = &StoreError{Code: "ERR_VIOLATION_NOT_FOUND", Message: "violation not found"}
	ErrInvalidTransition = &StoreError{Code: "ERR_INVALID_TRANSITION", Message: "invalid status transition"}
)
