package executors

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/pkg/schema"
)

// contextStep runs a durable step that passes the run context through
// unchanged, so trigger nodes leave a replayable record.
func contextStep(ctx context.Context, in Input, stepName string) (schema.Context, error) {
	payload, err := in.Runner.Run(ctx, stepName, func(context.Context) (json.RawMessage, error) {
		return json.Marshal(in.Context)
	})
	if err != nil {
		return nil, err
	}
	var out schema.Context
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode trigger context").
			WithNode(in.NodeID).WithCause(err)
	}
	return out, nil
}

// ManualTriggerExecutor starts a run from a user-initiated event. It emits
// no status events of its own.
type ManualTriggerExecutor struct{}

func NewManualTriggerExecutor() *ManualTriggerExecutor { return &ManualTriggerExecutor{} }

func (e *ManualTriggerExecutor) Type() schema.NodeType { return schema.NodeTypeManualTrigger }

func (e *ManualTriggerExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	return contextStep(ctx, in, "manual-trigger")
}

// webhookTriggerExecutor covers trigger nodes whose payload was already
// seeded into the initial context by the webhook endpoint.
type webhookTriggerExecutor struct {
	nodeType schema.NodeType
	stepName string
	pub      *publisher
}

func (e *webhookTriggerExecutor) Type() schema.NodeType { return e.nodeType }

func (e *webhookTriggerExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := contextStep(ctx, in, e.stepName)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

// NewStripeTriggerExecutor handles STRIPE_TRIGGER nodes.
func NewStripeTriggerExecutor(hub streaming.Hub, logger *slog.Logger) Executor {
	return &webhookTriggerExecutor{
		nodeType: schema.NodeTypeStripeTrigger,
		stepName: "stripe-trigger",
		pub:      newPublisher(hub, logger),
	}
}

// NewGoogleFormTriggerExecutor handles GOOGLE_FORM_TRIGGER nodes.
func NewGoogleFormTriggerExecutor(hub streaming.Hub, logger *slog.Logger) Executor {
	return &webhookTriggerExecutor{
		nodeType: schema.NodeTypeGoogleFormTrigger,
		stepName: "google-form-trigger",
		pub:      newPublisher(hub, logger),
	}
}
