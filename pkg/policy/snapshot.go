package policy

import (
	"fmt"
	"sync/atomic"
)

// Snapshot holds the currently active resolved policy set and swaps it
// atomically on reload. Readers never block writers and always see either the
// old or the new set, never a partial one.
type Snapshot struct {
	current atomic.Pointer[ResolvedPolicySet]
}

// NewSnapshot creates a snapshot seeded with set, which may be nil.
func NewSnapshot(set *ResolvedPolicySet) *Snapshot {
	s := &Snapshot{}
	if set != nil {
		s.current.Store(set)
	}
	return s
}

// Current returns the active set, or nil before the first install.
func (s *Snapshot) Current() *ResolvedPolicySet {
	return s.current.Load()
}

// Install swaps in a new resolved set.
func (s *Snapshot) Install(set *ResolvedPolicySet) {
	s.current.Store(set)
}

// Reload validates a chain of raw policy documents, resolves them, and
// installs the result. The previous set stays active if anything fails.
func (s *Snapshot) Reload(validator *Validator, rawChain ...[]byte) (*ResolvedPolicySet, error) {
	docs := make([]*Document, 0, len(rawChain))
	for i, raw := range rawChain {
		result := validator.Validate(raw, ValidateOptions{AutoMigrate: true})
		if !result.Valid() {
			return nil, fmt.Errorf("policy %d rejected: %s", i, firstIssue(result.Errors))
		}
		docs = append(docs, result.Document)
	}
	set, err := Resolve(docs...)
	if err != nil {
		return nil, err
	}
	s.Install(set)
	return set, nil
}

func firstIssue(issues []Issue) string {
	if len(issues) == 0 {
		return "unknown error"
	}
	first := issues[0]
	if first.Path != "" {
		return fmt.Sprintf("%s at %s: %s", first.Code, first.Path, first.Message)
	}
	return fmt.Sprintf("%s: %s", first.Code, first.Message)
}
