package schema

import (
	"encoding/json"
	"time"
)

// NodeType tags a node with the executor family that runs it.
type NodeType string

// Known node types. Types outside this set may still appear in a saved graph
// (structural or visual-only nodes); the engine skips anything without a
// registered executor.
const (
	NodeTypeManualTrigger     NodeType = "MANUAL_TRIGGER"
	NodeTypeStripeTrigger     NodeType = "STRIPE_TRIGGER"
	NodeTypeGoogleFormTrigger NodeType = "GOOGLE_FORM_TRIGGER"
	NodeTypeHTTPRequest       NodeType = "HTTP_REQUEST"
	NodeTypeOpenAI            NodeType = "OPENAI"
	NodeTypeAnthropic         NodeType = "ANTHROPIC"
	NodeTypeGemini            NodeType = "GEMINI"
	NodeTypeDiscord           NodeType = "DISCORD"
	NodeTypeSlack             NodeType = "SLACK"
	NodeTypeTransform         NodeType = "TRANSFORM"
	NodeTypeCondition         NodeType = "CONDITION"
)

// Position is the editor placement of a node. The engine never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one unit of work in a workflow graph. Data holds the type-specific
// configuration and is decoded by the node's executor.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// DefaultHandle is the connection handle used when none is specified.
const DefaultHandle = "main"

// Connection is a directed edge between two nodes of the same workflow.
type Connection struct {
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
	FromOutput string `json:"fromOutput,omitempty"`
	ToInput    string `json:"toInput,omitempty"`
}

// Workflow is the persisted graph. Nodes and connections are replaced
// wholesale whenever the graph is saved.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	OwnerID     string       `json:"owner_id"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Context is the accumulating key-value result set threaded through a run.
// Each successful executor returns its input context plus at most one new
// top-level key.
type Context map[string]any

// Clone returns a shallow copy of the context. Executors grow the copy so
// the caller's map is never mutated.
func (c Context) Clone() Context {
	out := make(Context, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Has reports whether a top-level key is present.
func (c Context) Has(key string) bool {
	_, ok := c[key]
	return ok
}
