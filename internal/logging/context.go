package logging

import (
	"context"
	"log/slog"
)

type ctxKey string

const (
	workflowIDKey  ctxKey = "workflow_id"
	executionIDKey ctxKey = "execution_id"
	nodeIDKey      ctxKey = "node_id"
)

// correlationKeys are stamped onto every record emitted with a context that
// carries them.
var correlationKeys = []ctxKey{workflowIDKey, executionIDKey, nodeIDKey}

// WithWorkflowID returns a context carrying the workflow ID.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithExecutionID returns a context carrying the execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context carrying the node ID.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

func fromContext(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WorkflowID extracts the workflow ID, or "" if absent.
func WorkflowID(ctx context.Context) string { return fromContext(ctx, workflowIDKey) }

// ExecutionID extracts the execution ID, or "" if absent.
func ExecutionID(ctx context.Context) string { return fromContext(ctx, executionIDKey) }

// NodeID extracts the node ID, or "" if absent.
func NodeID(ctx context.Context) string { return fromContext(ctx, nodeIDKey) }

// CorrelationHandler decorates an slog.Handler so that records logged with
// logger.InfoContext(ctx, ...) pick up the run's correlation IDs without
// each call site repeating them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range correlationKeys {
		if v := fromContext(ctx, key); v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
