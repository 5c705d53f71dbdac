// Package expressions hosts the expression engines behind the condition and
// transform node types.
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/conduitworks/conduit/pkg/schema"
)

// CELEngine evaluates condition-node guard expressions using Google's Common
// Expression Language. Thread-safe: compiled programs are cached and reused
// across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing a
// single top-level variable:
//   - context: map(string, dyn), the run context keyed by output variable
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateBool compiles (or retrieves from cache) a CEL expression and
// evaluates it against the run context. The expression must produce a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, runCtx schema.Context) (bool, error) {
	if expression == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"context": map[string]any(runCtx),
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to a boolean, got %T", expression, out.Value())
	}
	return b, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid condition expression %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot build program for %q: %s", expression, err.Error()).WithCause(err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}
