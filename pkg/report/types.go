// Package report generates, signs, stores and schedules compliance reports
// over the audit, policy and violation subsystems. One template exists per
// supported framework; reports are versioned per tenant.
package report

import (
	"errors"
	"time"

	"github.com/wardenhq/warden/pkg/evidence"
)

// SchemaVersion is stamped on every generated report.
const SchemaVersion = "1.0"

// FrameworkID names a supported compliance framework.
type FrameworkID string

const (
	FrameworkSOC2Type1 FrameworkID = "soc2_type1"
	FrameworkSOC2Type2 FrameworkID = "soc2_type2"
	FrameworkISO27001  FrameworkID = "iso27001"
	FrameworkHIPAA     FrameworkID = "hipaa"
	FrameworkGDPR      FrameworkID = "gdpr"
	FrameworkPCIDSS    FrameworkID = "pci_dss"
	FrameworkCustom    FrameworkID = "custom"
)

// Framework describes the framework a report was generated against.
type Framework struct {
	ID          FrameworkID `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description,omitempty"`
}

// ControlStatus is the evaluated state of one control.
type ControlStatus string

const (
	StatusCompliant          ControlStatus = "compliant"
	StatusPartiallyCompliant ControlStatus = "partiallyCompliant"
	StatusNonCompliant       ControlStatus = "nonCompliant"
	StatusNotApplicable      ControlStatus = "notApplicable"
	StatusNotEvaluated       ControlStatus = "notEvaluated"
	StatusCompensating       ControlStatus = "compensating"
)

// Priority ranks a control's importance within its framework.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Remediation is an open or closed remediation item attached to a control.
type Remediation struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Open        bool       `json:"open"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	Owner       string     `json:"owner,omitempty"`
}

// Attestation is a human or automated sign-off.
type Attestation struct {
	ID         string    `json:"id"`
	AttestedBy string    `json:"attestedBy"`
	Role       string    `json:"role,omitempty"`
	Statement  string    `json:"statement"`
	AttestedAt time.Time `json:"attestedAt"`
	// Compensating marks an approved compensating-control attestation.
	Compensating bool   `json:"compensating,omitempty"`
	Token        string `json:"token,omitempty"` // signed JWT, when issued
}

// Control is one evaluated framework control.
type Control struct {
	ControlID    string                       `json:"controlId"`
	Title        string                       `json:"title"`
	Description  string                       `json:"description"`
	Category     string                       `json:"category"`
	Priority     Priority                     `json:"priority"`
	Status       ControlStatus                `json:"status"`
	Evidence     []evidence.CollectedEvidence `json:"evidence,omitempty"`
	Remediation  []Remediation                `json:"remediation,omitempty"`
	Attestations []Attestation                `json:"attestations,omitempty"`
	Notes        []string                     `json:"notes,omitempty"`
	Tags         []string                     `json:"tags,omitempty"`
}

// PeriodType tags how a report window was produced.
type PeriodType string

const (
	PeriodTagPeriod      PeriodType = "period"
	PeriodTagPointInTime PeriodType = "point_in_time"
)

// Period is the window a report covers.
type Period struct {
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
	Type  PeriodType `json:"type"`
}

// Summary aggregates a report's control outcomes.
type Summary struct {
	TotalControls    int                   `json:"totalControls"`
	ByStatus         map[ControlStatus]int `json:"byStatus"`
	ComplianceRate   float64               `json:"complianceRate"`
	TotalEvidence    int                   `json:"totalEvidence"`
	VerifiedEvidence int                   `json:"verifiedEvidence"`
	OpenRemediations int                   `json:"openRemediations"`
	CriticalFindings int                   `json:"criticalFindings"`
}

// ReportSignature is a detached signature over the canonical report JSON.
type ReportSignature struct {
	Algorithm   string    `json:"algorithm"`
	KeyID       string    `json:"keyId"`
	ContentHash string    `json:"contentHash"`
	Signature   string    `json:"signature"`
	SignedAt    time.Time `json:"signedAt"`
}

// ReportStatus tracks a report's lifecycle in the store.
type ReportStatus string

const (
	ReportDraft         ReportStatus = "draft"
	ReportPendingReview ReportStatus = "pending_review"
	ReportApproved      ReportStatus = "approved"
	ReportPublished     ReportStatus = "published"
	ReportArchived      ReportStatus = "archived"
	ReportSuperseded    ReportStatus = "superseded"
)

// ComplianceReport is one generated report.
type ComplianceReport struct {
	ReportID         string           `json:"reportId"`
	SchemaVersion    string           `json:"schemaVersion"`
	Framework        Framework        `json:"framework"`
	TenantID         string           `json:"tenantId"`
	Title            string           `json:"title"`
	Scope            string           `json:"scope"`
	Period           Period           `json:"period"`
	Summary          Summary          `json:"summary"`
	OrganizationName string           `json:"organizationName"`
	Controls         []Control        `json:"controls"`
	SystemsInScope   []string         `json:"systemsInScope,omitempty"`
	Exclusions       []string         `json:"exclusions,omitempty"`
	Attestations     []Attestation    `json:"attestations,omitempty"`
	GeneratedAt      time.Time        `json:"generatedAt"`
	GeneratedBy      string           `json:"generatedBy"`
	Signature        *ReportSignature `json:"signature,omitempty"`
	Markdown         string           `json:"markdown,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
}

// Signed reports whether the report carries a signature.
func (r *ComplianceReport) Signed() bool {
	return r.Signature != nil
}

// OutputFormat selects what generate renders.
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
	FormatBoth     OutputFormat = "both"
)

// GenerateRequest parameterises one generation.
type GenerateRequest struct {
	TenantID         string       `json:"tenantId"`
	FrameworkID      FrameworkID  `json:"frameworkId"`
	CustomFramework  *Template    `json:"customFramework,omitempty"`
	OrganizationName string       `json:"organizationName"`
	Scope            string       `json:"scope,omitempty"`
	Period           Period       `json:"period"`
	PeriodType       string       `json:"periodType,omitempty"` // daily|weekly|monthly|quarterly|yearly
	GeneratedBy      string       `json:"generatedBy,omitempty"`

	IncludeControlIDs []string `json:"includeControlIds,omitempty"`
	ExcludeControlIDs []string `json:"excludeControlIds,omitempty"`

	CollectEvidence       bool         `json:"collectEvidence"`
	MaxEvidencePerControl int          `json:"maxEvidencePerControl,omitempty"`
	OutputFormat          OutputFormat `json:"outputFormat,omitempty"`

	SystemsInScope []string `json:"systemsInScope,omitempty"`
	Exclusions     []string `json:"exclusions,omitempty"`

	// StatusOverride persists the report with the given status instead of
	// the signed→approved / unsigned→draft default.
	StatusOverride ReportStatus `json:"statusOverride,omitempty"`
}

// Stable report error codes.
var (
	ErrCustomFrameworkRequired = errors.New("CUSTOM_FRAMEWORK_REQUIRED")
	ErrReportNotFound          = errors.New("REPORT_NOT_FOUND")
	ErrStoreNotInitialised     = errors.New("STORE_NOT_INITIALISED")
	ErrUnknownFramework        = errors.New("UNKNOWN_FRAMEWORK")
	ErrInvalidRequest          = errors.New("INVALID_REQUEST")
	ErrVersionNotFound         = errors.New("VERSION_NOT_FOUND")
)
