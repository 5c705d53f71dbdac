// Package validation checks workflow graphs and node configuration before
// execution. Node configuration is validated with JSON Schema Draft 2020-12.
package validation

import (
	"encoding/json"

	"github.com/conduitworks/conduit/pkg/schema"
)

// Validator checks workflows for correctness before execution.
type Validator interface {
	// ValidateWorkflow performs structural checks on the graph: non-empty
	// node IDs, no duplicates, connection endpoints that exist.
	ValidateWorkflow(wf *schema.Workflow) error
	// ValidateNodeData validates a node's configuration against the JSON
	// Schema registered for its type. Unknown node types pass: the engine
	// skips them at execution time.
	ValidateNodeData(nodeType schema.NodeType, data json.RawMessage) error
}
