package executors

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conduitworks/conduit/internal/expressions"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/pkg/schema"
)

// ExpressionData is the configuration of the TRANSFORM and CONDITION nodes.
type ExpressionData struct {
	VariableName string `json:"variableName"`
	Expression   string `json:"expression"`
}

// TransformExecutor evaluates a jq expression against the run context and
// stores the result under the configured variable.
type TransformExecutor struct {
	engine *expressions.JQEngine
	pub    *publisher
}

func NewTransformExecutor(engine *expressions.JQEngine, hub streaming.Hub, logger *slog.Logger) *TransformExecutor {
	return &TransformExecutor{engine: engine, pub: newPublisher(hub, logger)}
}

func (e *TransformExecutor) Type() schema.NodeType { return schema.NodeTypeTransform }

func (e *TransformExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := e.execute(ctx, in)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

func (e *TransformExecutor) execute(ctx context.Context, in Input) (schema.Context, error) {
	var data ExpressionData
	if err := decodeData(in, &data); err != nil {
		return nil, err
	}
	if data.VariableName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"Transform node: Variable name is missing.").WithNode(in.NodeID)
	}
	if data.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"Transform node: Expression is missing.").WithNode(in.NodeID)
	}
	if err := checkVariableFree(in, data.VariableName); err != nil {
		return nil, err
	}

	payload, err := in.Runner.Run(ctx, "transform", func(stepCtx context.Context) (json.RawMessage, error) {
		result, err := e.engine.Evaluate(stepCtx, data.Expression, in.Context)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"result": result})
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Result any `json:"result"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode transform step result").
			WithNode(in.NodeID).WithCause(err)
	}
	return grow(in.Context, data.VariableName, out.Result), nil
}

// ConditionExecutor evaluates a boolean CEL expression against the run
// context and stores {matched: bool} under the configured variable.
type ConditionExecutor struct {
	engine *expressions.CELEngine
	pub    *publisher
}

func NewConditionExecutor(engine *expressions.CELEngine, hub streaming.Hub, logger *slog.Logger) *ConditionExecutor {
	return &ConditionExecutor{engine: engine, pub: newPublisher(hub, logger)}
}

func (e *ConditionExecutor) Type() schema.NodeType { return schema.NodeTypeCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := e.execute(ctx, in)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

func (e *ConditionExecutor) execute(ctx context.Context, in Input) (schema.Context, error) {
	var data ExpressionData
	if err := decodeData(in, &data); err != nil {
		return nil, err
	}
	if data.VariableName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"Condition node: Variable name is missing.").WithNode(in.NodeID)
	}
	if data.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"Condition node: Expression is missing.").WithNode(in.NodeID)
	}
	if err := checkVariableFree(in, data.VariableName); err != nil {
		return nil, err
	}

	payload, err := in.Runner.Run(ctx, "condition", func(stepCtx context.Context) (json.RawMessage, error) {
		matched, err := e.engine.EvaluateBool(stepCtx, data.Expression, in.Context)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"matched": matched})
	})
	if err != nil {
		return nil, err
	}

	var out map[string]bool
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode condition step result").
			WithNode(in.NodeID).WithCause(err)
	}
	return grow(in.Context, data.VariableName, map[string]any{"matched": out["matched"]}), nil
}
