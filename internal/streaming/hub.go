// Package streaming provides pub/sub for node status events. Publishing is
// fire-and-forget: a slow or absent consumer never blocks an execution.
package streaming

import (
	"context"

	"github.com/conduitworks/conduit/pkg/schema"
)

// StatusEvent is a real-time node status update emitted during a run.
type StatusEvent struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Channel     string            `json:"channel"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
}

// Filter specifies which events a subscriber wants to receive. Zero-value
// fields match everything.
type Filter struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e StatusEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.Channel != "" && f.Channel != e.Channel {
		return false
	}
	return true
}

// Hub provides pub/sub for node status events.
type Hub interface {
	Publish(ctx context.Context, event StatusEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan StatusEvent, func(), error)
}
