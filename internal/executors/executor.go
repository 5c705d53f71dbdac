// Package executors implements the per-node-type execution logic. Every
// executor follows the same contract: publish loading, validate its
// configuration, resolve templates against the run context, perform the
// side effect inside a durable step, publish success, and return the
// context grown by exactly one variable. Errors publish an error status
// before surfacing.
package executors

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/conduitworks/conduit/internal/runner"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/pkg/schema"
)

// Input carries everything an executor needs for one node invocation.
type Input struct {
	NodeID      string
	NodeType    schema.NodeType
	WorkflowID  string
	ExecutionID string
	OwnerID     string
	Data        json.RawMessage
	Context     schema.Context
	Runner      runner.StepRunner
}

// Executor runs a single node. On success the returned context is the input
// context plus the node's output variable.
type Executor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, in Input) (schema.Context, error)
}

// Registry maps node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.NodeType]Executor)}
}

// Register adds an executor. Registering the same type twice is a CONFLICT.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"executor already registered for type %s", e.Type())
	}
	r.executors[e.Type()] = e
	return nil
}

// Get returns the executor for a node type. Unknown types are not an error:
// the engine skips nodes it has no executor for.
func (r *Registry) Get(t schema.NodeType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types returns the registered node types.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.NodeType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}

// publisher broadcasts node status events. Publishing is fire-and-forget: a
// failed publish is logged and never fails the node.
type publisher struct {
	hub    streaming.Hub
	logger *slog.Logger
}

func newPublisher(hub streaming.Hub, logger *slog.Logger) *publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &publisher{hub: hub, logger: logger}
}

func (p *publisher) publish(ctx context.Context, in Input, status schema.NodeStatus) {
	if p.hub == nil {
		return
	}
	event := streaming.StatusEvent{
		ExecutionID: in.ExecutionID,
		WorkflowID:  in.WorkflowID,
		Channel:     schema.ChannelFor(in.NodeType),
		NodeID:      in.NodeID,
		Status:      status,
	}
	if err := p.hub.Publish(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "status publish failed",
			"node_id", in.NodeID, "status", status, "error", err)
	}
}

// decodeData unmarshals a node's raw configuration into cfg.
func decodeData(in Input, cfg any) error {
	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "node data is not valid JSON").
			WithNode(in.NodeID).WithCause(err)
	}
	return nil
}

// checkVariableFree rejects output variables already present in the context.
func checkVariableFree(in Input, variableName string) error {
	if in.Context.Has(variableName) {
		return schema.NewErrorf(schema.ErrCodeDuplicateVariable,
			"Variable name '%s' already exists in context. Choose a different name.", variableName).
			WithNode(in.NodeID)
	}
	return nil
}

// grow returns a copy of the context with the node's output added.
func grow(ctx schema.Context, variableName string, value any) schema.Context {
	out := ctx.Clone()
	out[variableName] = value
	return out
}
