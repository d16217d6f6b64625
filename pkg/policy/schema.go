package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the structural JSON Schema for a current-version policy
// document. Semantic checks (duplicate ids, approval config presence, parent
// scope rules) live in validator.go; this layer rejects shape errors only.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "scope", "rules", "defaultAction"],
  "properties": {
    "version": {"enum": ["1.0", "1.1", "2.0"]},
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "scope": {"enum": ["global", "org", "repo", "branch"]},
    "scopeTarget": {"type": "string"},
    "inheritance": {"enum": ["override", "extend", "strict"]},
    "parentPolicyId": {"type": "string"},
    "maxRiskTier": {"enum": ["R0", "R1", "R2", "R3", "R4"]},
    "rules": {
      "type": "array",
      "items": {"$ref": "#/$defs/rule"}
    },
    "defaultAction": {"$ref": "#/$defs/action"},
    "metadata": {"type": "object"}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "name", "enabled", "priority", "action"],
      "properties": {
        "id": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+$"},
        "name": {"type": "string", "minLength": 1, "maxLength": 100},
        "enabled": {"type": "boolean"},
        "priority": {"type": "integer"},
        "combinator": {"enum": ["and", "or"]},
        "conditions": {"type": "array", "items": {"$ref": "#/$defs/condition"}},
        "action": {"$ref": "#/$defs/action"}
      }
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["complexity", "file_pattern", "author", "time_window",
                          "repository", "branch", "label", "agent", "custom"]},
        "operator": {"enum": ["lt", "lte", "eq", "gte", "gt"]},
        "threshold": {"type": "number"},
        "patterns": {"type": "array", "items": {"type": "string"}},
        "authors": {"type": "array", "items": {"type": "string"}},
        "actorTypes": {"type": "array", "items": {"type": "string"}},
        "startHour": {"type": "integer", "minimum": 0, "maximum": 23},
        "endHour": {"type": "integer", "minimum": 0, "maximum": 23},
        "days": {"type": "array", "items": {"type": "string"}},
        "window": {"enum": ["during", "outside"]},
        "labels": {"type": "array", "items": {"type": "string"}},
        "match": {"enum": ["any", "all", "none"]},
        "agentIds": {"type": "array", "items": {"type": "string"}},
        "expression": {"type": "string"}
      }
    },
    "action": {
      "type": "object",
      "required": ["effect"],
      "properties": {
        "effect": {"enum": ["allow", "deny", "require_approval", "notify", "log_only", "warn"]},
        "reason": {"type": "string"},
        "severity": {"enum": ["low", "medium", "high", "critical"]},
        "approval": {
          "type": "object",
          "required": ["minApprovers"],
          "properties": {
            "minApprovers": {"type": "integer", "minimum": 1},
            "requiredRoles": {"type": "array", "items": {"type": "string"}},
            "timeoutHours": {"type": "integer", "minimum": 1, "maximum": 168},
            "allowSelfApproval": {"type": "boolean"}
          }
        },
        "notification": {"type": "object"},
        "continueOnMatch": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://warden.schemas.local/policy/document.schema.json"
		if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// validateStructure runs the JSON Schema over a decoded document and maps
// failures to INVALID_SCHEMA issues with their instance path.
func validateStructure(doc map[string]any) []Issue {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return []Issue{{Code: CodeInvalidSchema, Severity: SeverityError, Message: err.Error()}}
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var issues []Issue
	var walk func(ve *jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			issues = append(issues, Issue{
				Code:     CodeInvalidSchema,
				Severity: SeverityError,
				Path:     ve.InstanceLocation,
				Message:  ve.Message,
			})
			return
		}
		for _, cause := range ve.Causes {
			walk(cause)
		}
	}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		walk(ve)
	} else {
		issues = append(issues, Issue{Code: CodeInvalidSchema, Severity: SeverityError, Message: err.Error()})
	}
	return issues
}
