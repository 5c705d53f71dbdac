package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/template"
	"github.com/conduitworks/conduit/pkg/schema"
)

// maxChatMessageLen is the webhook content limit shared by Discord and Slack.
const maxChatMessageLen = 2000

// ChatData is the configuration of the chat webhook node types.
type ChatData struct {
	VariableName string `json:"variableName"`
	WebhookURL   string `json:"webhookUrl"`
	Content      string `json:"content"`
	Username     string `json:"username,omitempty"` // discord only
}

// chatExecutor posts a template-resolved message to an incoming webhook.
type chatExecutor struct {
	nodeType    schema.NodeType
	label       string
	stepName    string
	resultKey   string
	useUsername bool
	client      *http.Client
	resolver    *template.Resolver
	pub         *publisher
}

// NewDiscordExecutor handles DISCORD nodes.
func NewDiscordExecutor(client *http.Client, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger) Executor {
	return newChatExecutor(schema.NodeTypeDiscord, "Discord", "discord-webhook", "discordMessageSent", true, client, resolver, hub, logger)
}

// NewSlackExecutor handles SLACK nodes.
func NewSlackExecutor(client *http.Client, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger) Executor {
	return newChatExecutor(schema.NodeTypeSlack, "Slack", "slack-webhook", "slackMessageSent", false, client, resolver, hub, logger)
}

func newChatExecutor(nodeType schema.NodeType, label, stepName, resultKey string, useUsername bool, client *http.Client, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger) *chatExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &chatExecutor{
		nodeType:    nodeType,
		label:       label,
		stepName:    stepName,
		resultKey:   resultKey,
		useUsername: useUsername,
		client:      client,
		resolver:    resolver,
		pub:         newPublisher(hub, logger),
	}
}

func (e *chatExecutor) Type() schema.NodeType { return e.nodeType }

func (e *chatExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := e.execute(ctx, in)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

func (e *chatExecutor) execute(ctx context.Context, in Input) (schema.Context, error) {
	var data ChatData
	if err := decodeData(in, &data); err != nil {
		return nil, err
	}

	if data.VariableName == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: Variable name is missing.", e.label).WithNode(in.NodeID)
	}
	if data.WebhookURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: Webhook URL is missing.", e.label).WithNode(in.NodeID)
	}
	if data.Content == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: Message content is missing.", e.label).WithNode(in.NodeID)
	}
	if err := checkVariableFree(in, data.VariableName); err != nil {
		return nil, err
	}

	resolved, err := e.resolver.Resolve(data.Content, in.Context)
	if err != nil {
		return nil, err
	}
	// Templates can surface entity-escaped text from upstream payloads.
	// The platform limit counts characters, so cut on rune boundaries.
	content := html.UnescapeString(resolved)
	if utf8.RuneCountInString(content) > maxChatMessageLen {
		runes := []rune(content)
		content = string(runes[:maxChatMessageLen])
	}

	message := map[string]any{"content": content}
	if e.useUsername && data.Username != "" {
		username, err := e.resolver.Resolve(data.Username, in.Context)
		if err != nil {
			return nil, err
		}
		message["username"] = username
	}

	_, err = in.Runner.Run(ctx, e.stepName, func(stepCtx context.Context) (json.RawMessage, error) {
		if err := e.post(stepCtx, data.WebhookURL, message); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"sent": true})
	})
	if err != nil {
		return nil, err
	}

	return grow(in.Context, data.VariableName, map[string]any{e.resultKey: true}), nil
}

func (e *chatExecutor) post(ctx context.Context, url string, message map[string]any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: invalid webhook URL", e.label).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "webhook request failed").WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"webhook returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}
