// Package template resolves {{...}} placeholders in node configuration
// fields against the run context.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/conduitworks/conduit/pkg/schema"
)

// jsonHelper marks an expression whose resolved value should be embedded as
// pretty-printed JSON: {{json path.to.value}}.
const jsonHelper = "json "

// Resolver compiles and evaluates template expressions. Thread-safe:
// compiled programs are cached and reused across goroutines.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewResolver creates a new Resolver with an empty program cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]*vm.Program)}
}

// Resolve scans s for {{...}} placeholders and replaces each with its value
// evaluated against the context. Expressions are dot paths into the context
// ({{trigger.name}}) or any expression the evaluator accepts. The json
// helper ({{json payload}}) embeds the value JSON-stringified with two-space
// indentation. Resolution failures are TEMPLATE_ERROR (non-retriable).
func (r *Resolver) Resolve(s string, ctx schema.Context) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeTemplate, "unclosed {{ expression")
		}
		end += start

		expression := strings.TrimSpace(s[start:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeTemplate, "empty template expression: {{ }}")
		}

		asJSON := false
		if strings.HasPrefix(expression, jsonHelper) {
			asJSON = true
			expression = strings.TrimSpace(strings.TrimPrefix(expression, jsonHelper))
			if expression == "" {
				return "", schema.NewError(schema.ErrCodeTemplate, "json helper needs an expression: {{json <path>}}")
			}
		}

		val, err := r.eval(expression, ctx)
		if err != nil {
			return "", err
		}

		if asJSON {
			b, merr := json.MarshalIndent(val, "", "  ")
			if merr != nil {
				return "", schema.NewErrorf(schema.ErrCodeTemplate,
					"cannot JSON-encode %q: %s", expression, merr.Error()).WithCause(merr)
			}
			result.Write(b)
		} else {
			result.WriteString(stringify(val))
		}

		i = end + 2
	}

	return result.String(), nil
}

// ResolveRequired resolves a field that must produce a non-empty string.
func (r *Resolver) ResolveRequired(field, s string, ctx schema.Context) (string, error) {
	out, err := r.Resolve(s, ctx)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplate,
			"failed to resolve %s template: %s", field, messageOf(err)).WithCause(err)
	}
	if strings.TrimSpace(out) == "" {
		return "", schema.NewErrorf(schema.ErrCodeTemplate,
			"%s template must resolve to a non-empty string", field)
	}
	return out, nil
}

// eval compiles (or retrieves from cache) an expression and evaluates it
// against the context. The context map is the expression environment, making
// all top-level keys available as variables.
func (r *Resolver) eval(expression string, ctx schema.Context) (any, error) {
	prg, err := r.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any(ctx)
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"cannot resolve {{%s}}: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches one.
func (r *Resolver) getOrCompile(expression string) (*vm.Program, error) {
	r.mu.RLock()
	if prg, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return prg, nil
	}
	r.mu.RUnlock()

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"invalid template expression {{%s}}: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	r.mu.Lock()
	r.cache[expression] = prg
	r.mu.Unlock()
	return prg, nil
}

// stringify converts a resolved value into its inline string form. Strings
// embed as-is; nil renders empty (absent optional values disappear instead
// of printing "<nil>"); complex values JSON-encode inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// messageOf unwraps an EngineError message for nesting inside another error.
func messageOf(err error) string {
	if ee, ok := err.(*schema.EngineError); ok {
		return ee.Message
	}
	return err.Error()
}
