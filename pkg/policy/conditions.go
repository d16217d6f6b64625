package policy

import (
	"fmt"
	"strings"
	"time"
)

// matchCondition evaluates one condition against a request. Custom conditions
// are compiled CEL programs resolved through the engine's program cache.
func (e *Engine) matchCondition(cond Condition, req *EvaluationRequest) (bool, error) {
	switch cond.Type {
	case CondComplexity:
		if cond.Threshold == nil {
			return false, nil
		}
		return compareNumeric(req.Resource.Complexity, cond.Operator, *cond.Threshold), nil

	case CondFilePattern:
		for _, file := range req.Resource.Files {
			for _, pattern := range cond.Patterns {
				if matchGlob(pattern, file) {
					return true, nil
				}
			}
		}
		return false, nil

	case CondRepository:
		for _, pattern := range cond.Patterns {
			if matchGlob(pattern, req.Resource.Repo) {
				return true, nil
			}
		}
		return false, nil

	case CondBranch:
		for _, pattern := range cond.Patterns {
			if matchGlob(pattern, req.Resource.Branch) {
				return true, nil
			}
		}
		return false, nil

	case CondAuthor:
		if len(cond.ActorTypes) > 0 && !containsFold(cond.ActorTypes, req.ActorType) {
			return false, nil
		}
		if len(cond.Authors) == 0 {
			return len(cond.ActorTypes) > 0, nil
		}
		return containsFold(cond.Authors, req.Actor), nil

	case CondTimeWindow:
		return matchTimeWindow(cond, e.requestTime(req)), nil

	case CondLabel:
		return matchLabels(cond, req.Resource.Labels), nil

	case CondAgent:
		if req.AgentDecision == nil {
			return false, nil
		}
		if len(cond.AgentIDs) > 0 && !containsFold(cond.AgentIDs, req.AgentDecision.AgentID) {
			return false, nil
		}
		if cond.Threshold == nil {
			return true, nil
		}
		op := cond.Operator
		if op == "" {
			op = OpGTE
		}
		return compareNumeric(req.AgentDecision.Confidence, op, *cond.Threshold), nil

	case CondCustom:
		return e.evalCustom(cond.Expression, req)

	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

func compareNumeric(value float64, op Operator, threshold float64) bool {
	switch op {
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpGT:
		return value > threshold
	case OpGTE, "":
		return value >= threshold
	default:
		return false
	}
}

func matchLabels(cond Condition, labels []string) bool {
	mode := cond.Match
	if mode == "" {
		mode = MatchAny
	}
	switch mode {
	case MatchAll:
		for _, want := range cond.Labels {
			if !containsFold(labels, want) {
				return false
			}
		}
		return true
	case MatchNone:
		for _, want := range cond.Labels {
			if containsFold(labels, want) {
				return false
			}
		}
		return true
	default: // any
		for _, want := range cond.Labels {
			if containsFold(labels, want) {
				return true
			}
		}
		return false
	}
}

func matchTimeWindow(cond Condition, at time.Time) bool {
	inWindow := true
	hour := at.Hour()
	if cond.StartHour != nil && hour < *cond.StartHour {
		inWindow = false
	}
	if cond.EndHour != nil && hour >= *cond.EndHour {
		inWindow = false
	}
	if len(cond.Days) > 0 && !containsFold(cond.Days, at.Weekday().String()) {
		inWindow = false
	}
	if cond.Window == WindowOutside {
		return !inWindow
	}
	return inWindow
}

// requestTime returns the request's own timestamp, or the engine clock.
func (e *Engine) requestTime(req *EvaluationRequest) time.Time {
	if !req.Context.Timestamp.IsZero() {
		return req.Context.Timestamp
	}
	return e.clock()
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// matchGlob matches path against pattern. Supported syntax: `*` matches any
// run within a segment, `?` matches one character, and `**` matches across
// segment boundaries (so "src/**/*.go" covers any depth under src/).
func matchGlob(pattern, path string) bool {
	return globMatch(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func globMatch(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// ** absorbs zero or more whole segments.
			for skip := 0; skip <= len(parts); skip++ {
				if globMatch(pattern[1:], parts[skip:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if !segmentMatch(pattern[0], parts[0]) {
			return false
		}
		pattern = pattern[1:]
		parts = parts[1:]
	}
	return len(parts) == 0
}

// segmentMatch matches a single segment with `*` and `?` wildcards.
func segmentMatch(pattern, s string) bool {
	pi, si := 0, 0
	starP, starS := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == byte(s[si]) || pattern[pi] == '?'):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			starP = pi
			starS = si
			pi++
		case starP >= 0:
			pi = starP + 1
			starS++
			si = starS
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
