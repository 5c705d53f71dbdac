package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/conduitworks/conduit/internal/secrets"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/template"
	"github.com/conduitworks/conduit/pkg/schema"
)

const defaultSystemPrompt = "You are a helpful assistant"

// AIData is the configuration shared by the AI provider node types.
type AIData struct {
	Model        string `json:"model"`
	CredentialID string `json:"credentialId"`
	UserPrompt   string `json:"userPrompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	VariableName string `json:"variableName"`
}

// generateFunc performs one text generation call against a provider API.
type generateFunc func(ctx context.Context, client *http.Client, baseURL, apiKey, model, system, prompt string) (string, error)

// aiProvider describes one provider's wire protocol.
type aiProvider struct {
	nodeType       schema.NodeType
	label          string // user-facing name in error messages
	stepPrefix     string // "openai", "anthropic", "gemini"
	credentialType string
	defaultModel   string
	defaultBaseURL string
	generate       generateFunc
}

// AIExecutor runs a text generation node for one provider. The base URL is
// injectable so tests can point it at a local server.
type AIExecutor struct {
	provider aiProvider
	client   *http.Client
	baseURL  string
	vault    secrets.Vault
	resolver *template.Resolver
	pub      *publisher
}

// AIOption customizes an AIExecutor.
type AIOption func(*AIExecutor)

// WithBaseURL overrides the provider API base URL.
func WithBaseURL(u string) AIOption {
	return func(e *AIExecutor) { e.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) AIOption {
	return func(e *AIExecutor) { e.client = c }
}

func newAIExecutor(p aiProvider, vault secrets.Vault, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger, opts ...AIOption) *AIExecutor {
	e := &AIExecutor{
		provider: p,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		baseURL:  p.defaultBaseURL,
		vault:    vault,
		resolver: resolver,
		pub:      newPublisher(hub, logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewOpenAIExecutor handles OPENAI nodes.
func NewOpenAIExecutor(vault secrets.Vault, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger, opts ...AIOption) *AIExecutor {
	return newAIExecutor(aiProvider{
		nodeType:       schema.NodeTypeOpenAI,
		label:          "OpenAI",
		stepPrefix:     "openai",
		credentialType: "openai",
		defaultModel:   "gpt-4o-mini",
		defaultBaseURL: "https://api.openai.com",
		generate:       generateOpenAI,
	}, vault, resolver, hub, logger, opts...)
}

// NewAnthropicExecutor handles ANTHROPIC nodes.
func NewAnthropicExecutor(vault secrets.Vault, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger, opts ...AIOption) *AIExecutor {
	return newAIExecutor(aiProvider{
		nodeType:       schema.NodeTypeAnthropic,
		label:          "Anthropic",
		stepPrefix:     "anthropic",
		credentialType: "anthropic",
		defaultModel:   "claude-sonnet-4-5",
		defaultBaseURL: "https://api.anthropic.com",
		generate:       generateAnthropic,
	}, vault, resolver, hub, logger, opts...)
}

// NewGeminiExecutor handles GEMINI nodes.
func NewGeminiExecutor(vault secrets.Vault, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger, opts ...AIOption) *AIExecutor {
	return newAIExecutor(aiProvider{
		nodeType:       schema.NodeTypeGemini,
		label:          "Gemini",
		stepPrefix:     "gemini",
		credentialType: "gemini",
		defaultModel:   "gemini-2.0-flash",
		defaultBaseURL: "https://generativelanguage.googleapis.com",
		generate:       generateGemini,
	}, vault, resolver, hub, logger, opts...)
}

func (e *AIExecutor) Type() schema.NodeType { return e.provider.nodeType }

func (e *AIExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := e.execute(ctx, in)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

func (e *AIExecutor) execute(ctx context.Context, in Input) (schema.Context, error) {
	var data AIData
	if err := decodeData(in, &data); err != nil {
		return nil, err
	}

	if data.CredentialID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: Credential is missing.", e.provider.label).WithNode(in.NodeID)
	}
	if data.VariableName == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: Variable name is missing.", e.provider.label).WithNode(in.NodeID)
	}
	if data.UserPrompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s node: User prompt is missing.", e.provider.label).WithNode(in.NodeID)
	}
	if err := checkVariableFree(in, data.VariableName); err != nil {
		return nil, err
	}

	system := defaultSystemPrompt
	if data.SystemPrompt != "" {
		resolved, err := e.resolver.Resolve(data.SystemPrompt, in.Context)
		if err != nil {
			return nil, err
		}
		system = resolved
	}
	prompt, err := e.resolver.Resolve(data.UserPrompt, in.Context)
	if err != nil {
		return nil, err
	}

	model := data.Model
	if model == "" {
		model = e.provider.defaultModel
	}

	// The fetch step memoizes only credential metadata, never the secret.
	var apiKey string
	_, err = in.Runner.Run(ctx, e.provider.stepPrefix+"-fetch-credential", func(stepCtx context.Context) (json.RawMessage, error) {
		cred, err := e.credential(stepCtx, in, data.CredentialID)
		if err != nil {
			return nil, err
		}
		apiKey = cred.Secret
		return json.Marshal(map[string]string{"id": cred.ID, "type": cred.Type})
	})
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		// Memo hit: the step body never ran, so fetch the secret again. The
		// credential may have changed since the first run, so it is checked
		// again too.
		cred, err := e.credential(ctx, in, data.CredentialID)
		if err != nil {
			return nil, err
		}
		apiKey = cred.Secret
	}

	payload, err := in.Runner.Run(ctx, e.provider.stepPrefix+"-generate-text", func(stepCtx context.Context) (json.RawMessage, error) {
		text, err := e.provider.generate(stepCtx, e.client, e.baseURL, apiKey, model, system, prompt)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"text": text})
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode generation step result").
			WithNode(in.NodeID).WithCause(err)
	}

	return grow(in.Context, data.VariableName, map[string]any{"aiResponse": result.Text}), nil
}

// credential fetches the node's credential and rejects it when its type does
// not match the provider.
func (e *AIExecutor) credential(ctx context.Context, in Input, id string) (*secrets.Credential, error) {
	cred, err := e.vault.Fetch(ctx, id, in.OwnerID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(cred.Type, e.provider.credentialType) {
		return nil, schema.NewErrorf(schema.ErrCodeCredential,
			"%s node: Invalid API credential.", e.provider.label).WithNode(in.NodeID)
	}
	return cred, nil
}

// postJSON sends a JSON request and decodes the JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "provider request failed").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "read provider response").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return json.Unmarshal(respBody, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func generateOpenAI(ctx context.Context, client *http.Client, baseURL, apiKey, model, system, prompt string) (string, error) {
	body := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if err := postJSON(ctx, client, baseURL+"/v1/chat/completions", headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

func generateAnthropic(ctx context.Context, client *http.Client, baseURL, apiKey, model, system, prompt string) (string, error) {
	body := map[string]any{
		"model":      model,
		"max_tokens": 4096,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := postJSON(ctx, client, baseURL+"/v1/messages", headers, body, &out); err != nil {
		return "", err
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

func generateGemini(ctx context.Context, client *http.Client, baseURL, apiKey, model, system, prompt string) (string, error) {
	body := map[string]any{
		"system_instruction": map[string]any{
			"parts": []map[string]string{{"text": system}},
		},
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", baseURL, model)
	headers := map[string]string{"x-goog-api-key": apiKey}
	if err := postJSON(ctx, client, url, headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
