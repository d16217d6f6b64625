package policy

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Migration lifts a generic document from one schema version to the next.
type Migration struct {
	From      string
	To        string
	Transform func(doc map[string]any) (map[string]any, error)
}

// standardMigrations returns the chain 1.0 → 1.1 → 2.0.
func standardMigrations() []Migration {
	return []Migration{
		{
			// 1.1 renamed the rule action key "require_review" to
			// "require_approval" and introduced approval configs.
			From: Version10,
			To:   Version11,
			Transform: func(doc map[string]any) (map[string]any, error) {
				walkActions(doc, func(action map[string]any) {
					if action["effect"] == "require_review" {
						action["effect"] = "require_approval"
						if _, ok := action["approval"]; !ok {
							action["approval"] = map[string]any{"minApprovers": 1}
						}
					}
				})
				doc["version"] = Version11
				return doc, nil
			},
		},
		{
			// 2.0 made rule enablement explicit and moved the top-level
			// "default" shorthand into a structured defaultAction.
			From: Version11,
			To:   Version20,
			Transform: func(doc map[string]any) (map[string]any, error) {
				if rules, ok := doc["rules"].([]any); ok {
					for _, r := range rules {
						rule, ok := r.(map[string]any)
						if !ok {
							continue
						}
						if _, ok := rule["enabled"]; !ok {
							rule["enabled"] = true
						}
					}
				}
				if shorthand, ok := doc["default"].(string); ok {
					doc["defaultAction"] = map[string]any{"effect": shorthand}
					delete(doc, "default")
				}
				doc["version"] = Version20
				return doc, nil
			},
		},
	}
}

// migrate applies the chain in version order while the document's version
// matches a migration's From.
func (v *Validator) migrate(doc map[string]any, fromVersion string) (map[string]any, error) {
	current, err := semver.NewVersion(fromVersion)
	if err != nil {
		return nil, fmt.Errorf("unparseable document version %q: %w", fromVersion, err)
	}

	chain := make([]Migration, len(v.migrations))
	copy(chain, v.migrations)
	sort.Slice(chain, func(i, j int) bool {
		vi := semver.MustParse(chain[i].From)
		vj := semver.MustParse(chain[j].From)
		return vi.LessThan(vj)
	})

	for _, m := range chain {
		from := semver.MustParse(m.From)
		if !from.Equal(current) {
			continue
		}
		next, err := m.Transform(doc)
		if err != nil {
			return nil, fmt.Errorf("migration %s -> %s failed: %w", m.From, m.To, err)
		}
		doc = next
		current = semver.MustParse(m.To)
	}

	if got, _ := doc["version"].(string); got != CurrentVersion {
		return nil, fmt.Errorf("no migration path from %s to %s", fromVersion, CurrentVersion)
	}
	return doc, nil
}

// walkActions visits every rule action and the default action.
func walkActions(doc map[string]any, fn func(map[string]any)) {
	if rules, ok := doc["rules"].([]any); ok {
		for _, r := range rules {
			if rule, ok := r.(map[string]any); ok {
				if action, ok := rule["action"].(map[string]any); ok {
					fn(action)
				}
			}
		}
	}
	if action, ok := doc["defaultAction"].(map[string]any); ok {
		fn(action)
	}
}
