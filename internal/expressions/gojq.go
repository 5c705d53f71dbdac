package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/conduitworks/conduit/pkg/schema"
)

// JQEngine reshapes run-context data for the transform node type using jq
// expressions. Thread-safe: compiled *gojq.Code objects are cached and
// reused across goroutines.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a new jq engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{cache: make(map[string]*gojq.Code)}
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// with the run context as the input object.
//
// jq expressions can produce multiple outputs. A single output is returned
// directly; multiple outputs are collected into []any; zero outputs is nil.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, runCtx schema.Context) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty transform expression")
	}

	code, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}

	input, err := normalizeContext(runCtx)
	if err != nil {
		return nil, err
	}

	results, err := drain(code.RunWithContext(ctx, input), expression)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeContext round-trips the context through encoding/json, since gojq
// only accepts JSON-normalized values (float64, map[string]any, ...).
func normalizeContext(runCtx schema.Context) (map[string]any, error) {
	raw, err := json.Marshal(runCtx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode context for transform").WithCause(err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode context for transform").WithCause(err)
	}
	return input, nil
}

func drain(iter gojq.Iter, expression string) ([]any, error) {
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if iterErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"transform evaluation failed for %q: %s", expression, iterErr.Error()).
				WithCause(iterErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
}

func (e *JQEngine) compiled(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid transform expression %q: %s", expression, err.Error()).WithCause(err)
	}

	// Block env/$ENV so expressions cannot read the process environment.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot compile transform expression %q: %s", expression, err.Error()).WithCause(err)
	}

	e.mu.Lock()
	e.cache[expression] = code
	e.mu.Unlock()
	return code, nil
}
