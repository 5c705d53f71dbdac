// Package engine orchestrates workflow executions: it resolves the run
// order, drives node executors sequentially over a shared context, and
// records the execution lifecycle exactly once.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/executors"
	"github.com/conduitworks/conduit/internal/graph"
	"github.com/conduitworks/conduit/internal/logging"
	"github.com/conduitworks/conduit/internal/metrics"
	"github.com/conduitworks/conduit/internal/runner"
	"github.com/conduitworks/conduit/pkg/schema"
)

// WorkflowStore is the slice of persistence the engine reads workflows from.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
}

// ExecutionRecorder persists the execution lifecycle. CreateExecution is
// idempotent on the triggering event ID; CompleteExecution lands at most
// once per execution.
type ExecutionRecorder interface {
	CreateExecution(ctx context.Context, eventID, workflowID string) (*schema.Execution, error)
	CompleteExecution(ctx context.Context, eventID string, update schema.ExecutionUpdate) (*schema.Execution, error)
}

// RunnerFactory mints step runners bound to execution IDs.
type RunnerFactory interface {
	ForExecution(executionID string) runner.StepRunner
}

// Engine executes workflows.
type Engine struct {
	workflows WorkflowStore
	recorder  ExecutionRecorder
	runners   RunnerFactory
	registry  *executors.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Config wires an Engine. Metrics may be nil.
type Config struct {
	Workflows WorkflowStore
	Recorder  ExecutionRecorder
	Runners   RunnerFactory
	Registry  *executors.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workflows: cfg.Workflows,
		recorder:  cfg.Recorder,
		runners:   cfg.Runners,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Execute runs a workflow for one trigger event. The returned execution is
// terminal (COMPLETED or FAILED) unless the event is rejected before an
// execution record exists. Re-delivery of an already-processed event returns
// the existing terminal record without re-running anything.
func (e *Engine) Execute(ctx context.Context, event schema.TriggerEvent) (*schema.Execution, error) {
	if event.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger event has no workflow id")
	}
	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	exec, err := e.recorder.CreateExecution(ctx, eventID, event.WorkflowID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionStatusRunning {
		// Replayed event for a finished run.
		return exec, nil
	}

	ctx = logging.WithWorkflowID(ctx, event.WorkflowID)
	ctx = logging.WithExecutionID(ctx, exec.ID)

	if e.metrics != nil {
		e.metrics.ExecutionsStarted.WithLabelValues(event.WorkflowID).Inc()
	}
	e.logger.InfoContext(ctx, "execution started", "event_id", eventID)

	out, err := e.run(ctx, exec, event)
	if err != nil {
		return e.HandleFailure(ctx, eventID, event.WorkflowID, err)
	}

	output, merr := json.Marshal(out)
	if merr != nil {
		return e.HandleFailure(ctx, eventID, event.WorkflowID,
			schema.NewError(schema.ErrCodeExecution, "encode execution output").WithCause(merr))
	}

	done, err := e.recorder.CompleteExecution(ctx, eventID, schema.ExecutionUpdate{
		Status: schema.ExecutionStatusCompleted,
		Output: output,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ExecutionsCompleted.WithLabelValues(event.WorkflowID).Inc()
	}
	e.logger.InfoContext(ctx, "execution completed")
	return done, nil
}

// run drives the node loop and returns the final context.
func (e *Engine) run(ctx context.Context, exec *schema.Execution, event schema.TriggerEvent) (schema.Context, error) {
	wf, err := e.workflows.GetWorkflow(ctx, event.WorkflowID)
	if err != nil {
		return nil, err
	}

	sorted, err := graph.Sort(wf.Nodes, wf.Connections)
	if err != nil {
		return nil, err
	}

	runCtx := event.InitialData
	if runCtx == nil {
		runCtx = schema.Context{}
	}
	stepRunner := e.runners.ForExecution(exec.ID)

	for _, node := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		executor, ok := e.registry.Get(node.Type)
		if !ok {
			if e.metrics != nil {
				e.metrics.NodesSkipped.Inc()
			}
			e.logger.DebugContext(ctx, "skipping node with no executor",
				"node_id", node.ID, "node_type", node.Type)
			continue
		}

		nodeCtx := logging.WithNodeID(ctx, node.ID)
		started := time.Now()
		out, err := executor.Execute(nodeCtx, executors.Input{
			NodeID:      node.ID,
			NodeType:    node.Type,
			WorkflowID:  wf.ID,
			ExecutionID: exec.ID,
			OwnerID:     wf.OwnerID,
			Data:        node.Data,
			Context:     runCtx,
			Runner:      runner.ForNode(stepRunner, node.ID),
		})
		if e.metrics != nil {
			e.metrics.NodeDuration.WithLabelValues(string(node.Type)).
				Observe(time.Since(started).Seconds())
		}
		if err != nil {
			e.logger.ErrorContext(nodeCtx, "node failed", "error", err)
			return nil, err
		}
		runCtx = out
	}
	return runCtx, nil
}

// HandleFailure records a terminal FAILED state for the execution. It is
// idempotent: a second failure report for the same event leaves the first
// record untouched. Callable by the surrounding substrate as well as the
// engine itself.
func (e *Engine) HandleFailure(ctx context.Context, eventID, workflowID string, cause error) (*schema.Execution, error) {
	if e.metrics != nil {
		e.metrics.ExecutionsFailed.WithLabelValues(workflowID).Inc()
	}
	e.logger.ErrorContext(ctx, "execution failed", "event_id", eventID, "error", cause)

	exec, err := e.recorder.CompleteExecution(ctx, eventID, schema.ExecutionUpdate{
		Status:     schema.ExecutionStatusFailed,
		Error:      cause.Error(),
		ErrorStack: errorStack(cause),
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return exec, cause
}

// errorStack renders the unwrap chain, outermost first.
func errorStack(err error) string {
	var frames []string
	for err != nil {
		frames = append(frames, err.Error())
		err = errors.Unwrap(err)
	}
	return strings.Join(frames, "\n")
}
