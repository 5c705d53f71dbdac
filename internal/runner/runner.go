// Package runner provides durable, memoized step execution. A step's side
// effect runs at most once per execution: completed steps are recorded and
// replays return the recorded payload without re-running the function.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// StepFunc is the side-effecting body of a step. It returns the payload to
// memoize on success.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// StepRunner executes named steps with at-most-once semantics within a
// single execution.
type StepRunner interface {
	// Run executes fn under the given step name. If the step already
	// completed in this execution, the recorded payload is returned and fn
	// is not invoked. Errors are never memoized so failed steps re-run on
	// replay.
	Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error)
}

// StepStore is the slice of persistence the durable runner needs.
type StepStore interface {
	GetStepResult(ctx context.Context, executionID, stepName string) (json.RawMessage, bool, error)
	PutStepResult(ctx context.Context, executionID, stepName string, payload json.RawMessage) error
}

// DurableRunner memoizes step results in a store, keyed by execution ID.
type DurableRunner struct {
	store       StepStore
	executionID string
	logger      *slog.Logger
}

// NewDurableRunner returns a runner scoped to one execution.
func NewDurableRunner(store StepStore, executionID string, logger *slog.Logger) *DurableRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableRunner{store: store, executionID: executionID, logger: logger}
}

// Run implements StepRunner.
func (r *DurableRunner) Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("step name is empty")
	}

	payload, ok, err := r.store.GetStepResult(ctx, r.executionID, name)
	if err != nil {
		return nil, fmt.Errorf("load step %q: %w", name, err)
	}
	if ok {
		r.logger.DebugContext(ctx, "step memo hit",
			"execution_id", r.executionID, "step", name)
		return payload, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.store.PutStepResult(ctx, r.executionID, name, out); err != nil {
		return nil, fmt.Errorf("record step %q: %w", name, err)
	}
	return out, nil
}

// nodeRunner qualifies step names with the owning node's ID. Step names are
// per-node-type constants, so without this two nodes of the same type in one
// workflow would share a memo entry and the second node would replay the
// first node's result.
type nodeRunner struct {
	base   StepRunner
	nodeID string
}

// ForNode scopes a runner to one node of the workflow.
func ForNode(base StepRunner, nodeID string) StepRunner {
	return &nodeRunner{base: base, nodeID: nodeID}
}

func (r *nodeRunner) Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error) {
	return r.base.Run(ctx, r.nodeID+":"+name, fn)
}

// Factory mints step runners bound to execution IDs.
type Factory struct {
	store  StepStore
	logger *slog.Logger
}

// NewFactory returns a factory backed by the given store.
func NewFactory(store StepStore, logger *slog.Logger) *Factory {
	return &Factory{store: store, logger: logger}
}

// ForExecution returns a runner scoped to the execution.
func (f *Factory) ForExecution(executionID string) StepRunner {
	return NewDurableRunner(f.store, executionID, f.logger)
}
