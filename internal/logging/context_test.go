package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, NodeID(ctx))

	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithNodeID(ctx, "node-42")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "node-42", NodeID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := context.Background()
	ctx = WithWorkflowID(ctx, "wf-abc")
	ctx = WithExecutionID(ctx, "exec-x")
	ctx = WithNodeID(ctx, "node-7")

	logger.InfoContext(ctx, "test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "execution_id=exec-x")
	assert.Contains(t, output, "node_id=node-7")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandlerMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithExecutionID(context.Background(), "exec-only")
	logger.InfoContext(ctx, "partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "node_id")
}
