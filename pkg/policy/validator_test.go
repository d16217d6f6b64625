package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() map[string]any {
	return map[string]any{
		"version": "2.0",
		"name":    "repo-policy",
		"scope":   "repo",
		"rules": []any{
			map[string]any{
				"id": "r1", "name": "allow reads", "enabled": true, "priority": 10,
				"action": map[string]any{"effect": "allow"},
			},
		},
		"defaultAction": map[string]any{"effect": "deny"},
	}
}

func marshal(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func issueCodes(issues []Issue) []string {
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = issue.Code
	}
	return codes
}

func TestValidator_AcceptsValidDocument(t *testing.T) {
	result := NewValidator().Validate(marshal(t, validDoc()), ValidateOptions{})
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	require.NotNil(t, result.Document)
	assert.Equal(t, "repo-policy", result.Document.Name)
	assert.False(t, result.Migrated)
}

func TestValidator_RejectsNonJSON(t *testing.T) {
	result := NewValidator().Validate([]byte("{not json"), ValidateOptions{})
	require.False(t, result.Valid())
	assert.Equal(t, CodeInvalidSchema, result.Errors[0].Code)
}

func TestValidator_SchemaViolations(t *testing.T) {
	doc := validDoc()
	doc["scope"] = "planet" // not an allowed scope
	delete(doc, "defaultAction")

	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, CodeInvalidSchema, issue.Code)
	}
}

func TestValidator_DuplicateRuleID(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "r1", "name": "a", "enabled": true, "priority": 1,
			"action": map[string]any{"effect": "allow"}},
		map[string]any{"id": "r1", "name": "b", "enabled": true, "priority": 2,
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), CodeDuplicateRuleID)
}

func TestValidator_MissingApprovalConfig(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "needs-approval", "name": "gate", "enabled": true, "priority": 1,
			"action": map[string]any{"effect": "require_approval"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), CodeMissingApprovalConfig)
}

func TestValidator_GlobalPolicyCannotHaveParent(t *testing.T) {
	doc := validDoc()
	doc["scope"] = "global"
	doc["parentPolicyId"] = "some-parent"
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), CodeInvalidParentScope)
}

func TestValidator_PatternChecks(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "r1", "name": "bad patterns", "enabled": true, "priority": 1,
			"conditions": []any{
				map[string]any{"type": "file_pattern", "patterns": []any{"src/***/a.go"}},
				map[string]any{"type": "repository", "patterns": []any{}},
			},
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, CodeInvalidPattern)
}

func TestValidator_FieldRanges(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "r1", "name": "ranges", "enabled": true, "priority": 1,
			"conditions": []any{
				map[string]any{"type": "complexity", "operator": "gte", "threshold": 12},
				map[string]any{"type": "agent", "threshold": 1.5},
				map[string]any{"type": "time_window", "startHour": 8, "endHour": 8},
			},
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	count := 0
	for _, issue := range result.Errors {
		if issue.Code == CodeInvalidFieldValue {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestValidator_WarningsAndInfo(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "sleeping", "name": "off", "enabled": false, "priority": 1,
			"action": map[string]any{"effect": "deny"}},
		map[string]any{"id": "extreme", "name": "ceiling", "enabled": true, "priority": 2,
			"conditions": []any{
				map[string]any{"type": "complexity", "operator": "gte", "threshold": 9.5},
			},
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{
		IncludeWarnings: true,
		IncludeInfo:     true,
	})
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Contains(t, issueCodes(result.Warnings), CodeUnusedRule)
	assert.Contains(t, issueCodes(result.Info), CodeHighComplexity)
}

func TestValidator_InvalidCustomExpression(t *testing.T) {
	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "custom", "name": "cel", "enabled": true, "priority": 1,
			"conditions": []any{
				map[string]any{"type": "custom", "expression": "this is not (( cel"},
			},
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), CodeInvalidExpression)
}

func TestValidator_MigratesLegacyDocument(t *testing.T) {
	legacy := map[string]any{
		"version": "1.0",
		"name":    "legacy",
		"scope":   "repo",
		"rules": []any{
			map[string]any{"id": "old-review", "name": "review gate", "priority": 5,
				"action": map[string]any{"effect": "require_review"}},
		},
		"default": "deny",
	}
	result := NewValidator().Validate(marshal(t, legacy), ValidateOptions{AutoMigrate: true})
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.True(t, result.Migrated)
	assert.Equal(t, "1.0", result.OriginalVersion)

	doc := result.Document
	assert.Equal(t, CurrentVersion, doc.Version)
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, EffectRequireApproval, doc.Rules[0].Action.Effect)
	require.NotNil(t, doc.Rules[0].Action.Approval)
	assert.Equal(t, 1, doc.Rules[0].Action.Approval.MinApprovers)
	assert.True(t, doc.Rules[0].Enabled)
	assert.Equal(t, EffectDeny, doc.DefaultAction.Effect)
}

func TestValidator_MigrationFailsForUnknownVersion(t *testing.T) {
	doc := validDoc()
	doc["version"] = "0.9"
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{AutoMigrate: true})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), CodeMigrationFailed)
}

func TestValidator_LegacyVersionWithoutAutoMigrate(t *testing.T) {
	doc := validDoc()
	doc["version"] = "1.1"
	// 1.1 documents still pass the structural schema but are not lifted.
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{})
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.False(t, result.Migrated)
	assert.Equal(t, "1.1", result.Document.Version)
}

func TestValidator_CustomRules(t *testing.T) {
	banProd := func(doc *Document) []Issue {
		var issues []Issue
		for _, rule := range doc.Rules {
			for _, cond := range rule.Conditions {
				for _, p := range cond.Patterns {
					if p == "prod/**" {
						issues = append(issues, Issue{
							Code: "PROD_PATTERN_FORBIDDEN", Severity: SeverityError,
							Message: "prod patterns are managed centrally",
						})
					}
				}
			}
		}
		return issues
	}

	doc := validDoc()
	doc["rules"] = []any{
		map[string]any{"id": "r1", "name": "prod", "enabled": true, "priority": 1,
			"conditions": []any{
				map[string]any{"type": "file_pattern", "patterns": []any{"prod/**"}},
			},
			"action": map[string]any{"effect": "deny"}},
	}
	result := NewValidator().Validate(marshal(t, doc), ValidateOptions{CustomRules: []CustomRule{banProd}})
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), "PROD_PATTERN_FORBIDDEN")
}

func TestSnapshot_ReloadSwapsAtomically(t *testing.T) {
	snap := NewSnapshot(nil)
	require.Nil(t, snap.Current())

	set, err := snap.Reload(NewValidator(), marshal(t, validDoc()))
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Same(t, set, snap.Current())

	// A bad reload keeps the previous set active.
	_, err = snap.Reload(NewValidator(), []byte("{broken"))
	require.Error(t, err)
	assert.Same(t, set, snap.Current())
}
