package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stable validation issue codes.
const (
	CodeInvalidSchema         = "INVALID_SCHEMA"
	CodeDuplicateRuleID       = "DUPLICATE_RULE_ID"
	CodeMissingApprovalConfig = "MISSING_APPROVAL_CONFIG"
	CodeInvalidParentScope    = "INVALID_PARENT_SCOPE"
	CodeInvalidPattern        = "INVALID_PATTERN"
	CodeInvalidFieldValue     = "INVALID_FIELD_VALUE"
	CodeUnusedRule            = "UNUSED_RULE"
	CodeHighComplexity        = "HIGH_COMPLEXITY"
	CodeMigrationFailed       = "MIGRATION_FAILED"
	CodeInvalidExpression     = "INVALID_EXPRESSION"
)

// Severity classifies an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one validation finding with a stable machine code and JSON path.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
}

// CustomRule is a caller-supplied semantic check.
type CustomRule func(doc *Document) []Issue

// ValidateOptions tune a Validate call.
type ValidateOptions struct {
	AutoMigrate     bool
	IncludeWarnings bool
	IncludeInfo     bool
	CustomRules     []CustomRule
}

// ValidateResult is the full outcome of validating a raw policy document.
type ValidateResult struct {
	Document        *Document `json:"document,omitempty"`
	Errors          []Issue   `json:"errors"`
	Warnings        []Issue   `json:"warnings"`
	Info            []Issue   `json:"info"`
	Migrated        bool      `json:"migrated"`
	OriginalVersion string    `json:"originalVersion,omitempty"`
}

// Valid reports whether the document passed with no errors.
func (r *ValidateResult) Valid() bool {
	return len(r.Errors) == 0
}

// Validator validates raw policy documents against the schema, runs the
// migration chain, and applies semantic checks. Safe for concurrent use.
type Validator struct {
	migrations []Migration
}

// NewValidator creates a validator with the standard migration chain.
func NewValidator() *Validator {
	return &Validator{migrations: standardMigrations()}
}

// Validate decodes, optionally migrates, and checks raw.
func (v *Validator) Validate(raw []byte, opts ValidateOptions) *ValidateResult {
	result := &ValidateResult{}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		result.Errors = append(result.Errors, Issue{
			Code:     CodeInvalidSchema,
			Severity: SeverityError,
			Message:  fmt.Sprintf("document is not valid JSON: %v", err),
		})
		return result
	}

	version, _ := generic["version"].(string)
	result.OriginalVersion = version

	if opts.AutoMigrate && version != "" && version != CurrentVersion {
		migrated, err := v.migrate(generic, version)
		if err != nil {
			result.Errors = append(result.Errors, Issue{
				Code:     CodeMigrationFailed,
				Severity: SeverityError,
				Message:  err.Error(),
			})
			return result
		}
		generic = migrated
		result.Migrated = true
	}

	if issues := validateStructure(generic); len(issues) > 0 {
		if result.Migrated {
			// The migration produced an invalid document; report it as such.
			for i := range issues {
				issues[i].Code = CodeMigrationFailed
			}
		}
		result.Errors = append(result.Errors, issues...)
		return result
	}

	doc, err := decodeDocument(generic)
	if err != nil {
		result.Errors = append(result.Errors, Issue{
			Code:     CodeInvalidSchema,
			Severity: SeverityError,
			Message:  err.Error(),
		})
		return result
	}

	errs, warns, infos := semanticChecks(doc)
	result.Errors = append(result.Errors, errs...)
	for _, cr := range opts.CustomRules {
		for _, issue := range cr(doc) {
			switch issue.Severity {
			case SeverityWarning:
				warns = append(warns, issue)
			case SeverityInfo:
				infos = append(infos, issue)
			default:
				result.Errors = append(result.Errors, issue)
			}
		}
	}
	if opts.IncludeWarnings {
		result.Warnings = warns
	}
	if opts.IncludeInfo {
		result.Info = infos
	}

	if len(result.Errors) == 0 {
		result.Document = doc
	}
	return result
}

func decodeDocument(generic map[string]any) (*Document, error) {
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("document re-encode failed: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document decode failed: %w", err)
	}
	return &doc, nil
}

// semanticChecks applies the cross-field rules the schema cannot express.
func semanticChecks(doc *Document) (errs, warns, infos []Issue) {
	if doc.Scope == ScopeGlobal && doc.ParentPolicyID != "" {
		errs = append(errs, Issue{
			Code:     CodeInvalidParentScope,
			Severity: SeverityError,
			Path:     "/parentPolicyId",
			Message:  "global policies cannot declare a parent",
		})
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, rule := range doc.Rules {
		path := fmt.Sprintf("/rules/%d", i)

		if seen[rule.ID] {
			errs = append(errs, Issue{
				Code:     CodeDuplicateRuleID,
				Severity: SeverityError,
				Path:     path + "/id",
				Message:  fmt.Sprintf("rule id %q appears more than once", rule.ID),
			})
		}
		seen[rule.ID] = true

		if rule.Action.Effect == EffectRequireApproval && rule.Action.Approval == nil {
			errs = append(errs, Issue{
				Code:     CodeMissingApprovalConfig,
				Severity: SeverityError,
				Path:     path + "/action",
				Message:  fmt.Sprintf("rule %q requires approval but has no approval config", rule.ID),
			})
		}

		if !rule.Enabled {
			warns = append(warns, Issue{
				Code:     CodeUnusedRule,
				Severity: SeverityWarning,
				Path:     path,
				Message:  fmt.Sprintf("rule %q is disabled and will never match", rule.ID),
			})
		}

		for j, cond := range rule.Conditions {
			condPath := fmt.Sprintf("%s/conditions/%d", path, j)
			errs = append(errs, conditionChecks(cond, condPath)...)

			if cond.Type == CondComplexity && cond.Threshold != nil && *cond.Threshold >= 9 {
				infos = append(infos, Issue{
					Code:     CodeHighComplexity,
					Severity: SeverityInfo,
					Path:     condPath,
					Message:  "complexity threshold near the ceiling; rule will rarely fire",
				})
			}
		}
	}
	return errs, warns, infos
}

func conditionChecks(cond Condition, path string) []Issue {
	var issues []Issue
	switch cond.Type {
	case CondComplexity:
		if cond.Threshold == nil {
			issues = append(issues, fieldIssue(path+"/threshold", "complexity condition requires a threshold"))
		} else if *cond.Threshold < 0 || *cond.Threshold > 10 {
			issues = append(issues, fieldIssue(path+"/threshold", "complexity threshold must be in [0,10]"))
		}
	case CondAgent:
		if cond.Threshold != nil && (*cond.Threshold < 0 || *cond.Threshold > 1) {
			issues = append(issues, fieldIssue(path+"/threshold", "confidence threshold must be in [0,1]"))
		}
	case CondTimeWindow:
		if cond.StartHour != nil && cond.EndHour != nil && *cond.StartHour >= *cond.EndHour {
			issues = append(issues, fieldIssue(path, "time window startHour must be before endHour"))
		}
	case CondFilePattern, CondRepository, CondBranch:
		if len(cond.Patterns) == 0 {
			issues = append(issues, Issue{
				Code:     CodeInvalidPattern,
				Severity: SeverityError,
				Path:     path + "/patterns",
				Message:  "pattern condition requires at least one pattern",
			})
		}
		for k, p := range cond.Patterns {
			if p == "" || strings.Contains(p, "***") {
				issues = append(issues, Issue{
					Code:     CodeInvalidPattern,
					Severity: SeverityError,
					Path:     fmt.Sprintf("%s/patterns/%d", path, k),
					Message:  fmt.Sprintf("invalid glob pattern %q", p),
				})
			}
		}
	case CondCustom:
		if strings.TrimSpace(cond.Expression) == "" {
			issues = append(issues, Issue{
				Code:     CodeInvalidExpression,
				Severity: SeverityError,
				Path:     path + "/expression",
				Message:  "custom condition requires a CEL expression",
			})
		} else if err := checkExpression(cond.Expression); err != nil {
			issues = append(issues, Issue{
				Code:     CodeInvalidExpression,
				Severity: SeverityError,
				Path:     path + "/expression",
				Message:  err.Error(),
			})
		}
	}
	return issues
}

func fieldIssue(path, message string) Issue {
	return Issue{
		Code:     CodeInvalidFieldValue,
		Severity: SeverityError,
		Path:     path,
		Message:  message,
	}
}
