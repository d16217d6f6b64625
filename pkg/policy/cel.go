package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv is the shared evaluation environment for custom conditions. The
// declared variables mirror the evaluation request wire form.
var (
	celEnvOnce sync.Once
	sharedEnv  *cel.Env
	celEnvErr  error
)

func customEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		sharedEnv, celEnvErr = cel.NewEnv(
			cel.Variable("actor", cel.StringType),
			cel.Variable("actorType", cel.StringType),
			cel.Variable("action", cel.StringType),
			cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("hasApproval", cel.BoolType),
			cel.Variable("confidence", cel.DoubleType),
		)
	})
	return sharedEnv, celEnvErr
}

// checkExpression compiles expr against the custom-condition environment and
// reports any compile error. Used at validation time so bad expressions are
// rejected before a policy is installed.
func checkExpression(expr string) error {
	env, err := customEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("expression does not compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	return nil
}

// programCache memoises compiled CEL programs keyed by expression text.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]cel.Program)}
}

func (c *programCache) get(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := customEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression does not compile: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expression program build failed: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// evalCustom runs a custom condition expression. Evaluation failures are
// returned to the caller, which treats them as a failed (fail-closed) match.
func (e *Engine) evalCustom(expr string, req *EvaluationRequest) (bool, error) {
	prg, err := e.programs.get(expr)
	if err != nil {
		return false, err
	}

	confidence := 0.0
	if req.AgentDecision != nil {
		confidence = req.AgentDecision.Confidence
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":     req.Actor,
		"actorType": req.ActorType,
		"action":    req.Action,
		"resource": map[string]any{
			"repo":       req.Resource.Repo,
			"branch":     req.Resource.Branch,
			"files":      req.Resource.Files,
			"labels":     req.Resource.Labels,
			"complexity": req.Resource.Complexity,
		},
		"context": map[string]any{
			"source":    req.Context.Source,
			"requestId": req.Context.RequestID,
		},
		"hasApproval": req.HasApproval,
		"confidence":  confidence,
	})
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return matched, nil
}
