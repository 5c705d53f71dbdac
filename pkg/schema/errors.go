package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeCycle             = "CYCLE_DETECTED"
	ErrCodeDuplicateVariable = "DUPLICATE_VARIABLE"
	ErrCodeCredential        = "CREDENTIAL_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodePublish           = "PUBLISH_ERROR"
)

// nonRetriableCodes are configuration-class failures that must abort a run
// immediately and must never be retried by the surrounding step substrate.
var nonRetriableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeTemplate:          true,
	ErrCodeCycle:             true,
	ErrCodeDuplicateVariable: true,
	ErrCodeCredential:        true,
	ErrCodeNotFound:          true,
}

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// NonRetriable reports whether err is a configuration-class failure that the
// step substrate must not retry. Errors that are not EngineErrors are
// treated as transient.
func NonRetriable(err error) bool {
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			return nonRetriableCodes[ee.Code]
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
