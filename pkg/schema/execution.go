package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a persisted run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// CanTransition reports whether an execution may move between two statuses.
// The lifecycle is create-once / terminate-once: RUNNING is the only
// non-terminal state.
func CanTransition(from, to ExecutionStatus) bool {
	if from != ExecutionStatusRunning {
		return false
	}
	return to == ExecutionStatusCompleted || to == ExecutionStatusFailed
}

// Execution is one persisted run record of a workflow. Created once at run
// start, terminally updated exactly once, never deleted by the engine.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	TriggeringEventID string          `json:"triggering_event_id"`
	Status            ExecutionStatus `json:"status"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorStack        string          `json:"error_stack,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionUpdate is the terminal mutation applied when a run finishes.
type ExecutionUpdate struct {
	Status     ExecutionStatus `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorStack string          `json:"error_stack,omitempty"`
}

// TriggerEvent is the input that starts a run. EventID is the idempotency
// key: re-delivery of the same event maps onto the same execution.
// InitialData seeds the context, e.g. a webhook payload under a namespaced
// key such as "stripe" or "googleForm".
type TriggerEvent struct {
	WorkflowID  string  `json:"workflow_id"`
	EventID     string  `json:"event_id"`
	InitialData Context `json:"initial_data,omitempty"`
}
