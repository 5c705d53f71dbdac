package schema

// NodeStatus is the ephemeral per-node state broadcast while a run executes.
// It is never persisted; the Execution record is the durable source of truth.
type NodeStatus string

const (
	NodeStatusLoading NodeStatus = "loading"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// StatusTopic is the single topic carried on every node-family channel.
const StatusTopic = "status"

// nodeChannels maps node types to their family channel. One logical channel
// exists per node-type family so editor panels subscribe only to the node
// kinds they render.
var nodeChannels = map[NodeType]string{
	NodeTypeManualTrigger:     "manual-trigger",
	NodeTypeStripeTrigger:     "stripe-trigger",
	NodeTypeGoogleFormTrigger: "google-form-trigger",
	NodeTypeHTTPRequest:       "http-request",
	NodeTypeOpenAI:            "openai",
	NodeTypeAnthropic:         "anthropic",
	NodeTypeGemini:            "gemini",
	NodeTypeDiscord:           "discord",
	NodeTypeSlack:             "slack",
	NodeTypeTransform:         "transform",
	NodeTypeCondition:         "condition",
}

// ChannelFor returns the status channel for a node type. Unknown types fall
// back to a shared channel so forward-compatible nodes still surface status.
func ChannelFor(t NodeType) string {
	if ch, ok := nodeChannels[t]; ok {
		return ch
	}
	return "node"
}
