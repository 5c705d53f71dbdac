package store

import (
	"encoding/json"
	"time"
)

// StepResult is the durably recorded outcome of one idempotent step.
// Re-entry after a crash replays the payload instead of re-running the step.
type StepResult struct {
	ExecutionID string          `json:"execution_id"`
	StepName    string          `json:"step_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// CredentialRecord is a credential as persisted: secret encrypted at rest.
type CredentialRecord struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Type       string    `json:"type"`
	Ciphertext []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	OwnerID string
	Limit   int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Limit      int
}
