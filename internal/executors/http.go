package executors

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/template"
	"github.com/conduitworks/conduit/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPRequestData is the configuration of an HTTP_REQUEST node.
type HTTPRequestData struct {
	VariableName string `json:"variableName"`
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Body         string `json:"body,omitempty"`
}

// HTTPResponse is the result shape stored under the node's variable.
type HTTPResponse struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Data       any    `json:"data"`
}

// HTTPRequestExecutor performs an HTTP call with template-resolved endpoint
// and body, and stores the response under the configured variable.
type HTTPRequestExecutor struct {
	client   *http.Client
	resolver *template.Resolver
	pub      *publisher
}

// NewHTTPRequestExecutor creates the executor. A nil client gets a default
// with a 30s timeout.
func NewHTTPRequestExecutor(client *http.Client, resolver *template.Resolver, hub streaming.Hub, logger *slog.Logger) *HTTPRequestExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPRequestExecutor{
		client:   client,
		resolver: resolver,
		pub:      newPublisher(hub, logger),
	}
}

func (e *HTTPRequestExecutor) Type() schema.NodeType { return schema.NodeTypeHTTPRequest }

func (e *HTTPRequestExecutor) Execute(ctx context.Context, in Input) (schema.Context, error) {
	e.pub.publish(ctx, in, schema.NodeStatusLoading)

	out, err := e.execute(ctx, in)
	if err != nil {
		e.pub.publish(ctx, in, schema.NodeStatusError)
		return nil, err
	}

	e.pub.publish(ctx, in, schema.NodeStatusSuccess)
	return out, nil
}

func (e *HTTPRequestExecutor) execute(ctx context.Context, in Input) (schema.Context, error) {
	var data HTTPRequestData
	if err := decodeData(in, &data); err != nil {
		return nil, err
	}

	if data.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"HTTP Request node: No endpoint configured.").WithNode(in.NodeID)
	}
	if data.VariableName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"HTTP Request node: No variable name configured.").WithNode(in.NodeID)
	}
	if data.Method == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"HTTP Request node: No method configured.").WithNode(in.NodeID)
	}
	if err := checkVariableFree(in, data.VariableName); err != nil {
		return nil, err
	}

	endpoint, err := e.resolver.ResolveRequired("endpoint", data.Endpoint, in.Context)
	if err != nil {
		return nil, err
	}

	// POST/PUT/PATCH bodies are resolved and must be valid JSON before the
	// request goes out.
	var requestBody string
	if data.Method == http.MethodPost || data.Method == http.MethodPut || data.Method == http.MethodPatch {
		body := data.Body
		if body == "" {
			body = "{}"
		}
		resolved, err := e.resolver.Resolve(body, in.Context)
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(resolved)) {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"HTTP Request node: Invalid JSON in request body.").WithNode(in.NodeID)
		}
		requestBody = resolved
	}

	payload, err := in.Runner.Run(ctx, "http-request", func(stepCtx context.Context) (json.RawMessage, error) {
		resp, err := e.do(stepCtx, data.Method, endpoint, requestBody)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"httpResponse": resp})
	})
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode http step result").
			WithNode(in.NodeID).WithCause(err)
	}
	return grow(in.Context, data.VariableName, result), nil
}

func (e *HTTPRequestExecutor) do(ctx context.Context, method, endpoint, body string) (*HTTPResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"HTTP Request node: invalid request").WithCause(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http request failed").WithCause(err)
	}
	defer resp.Body.Close()

	// Non-2xx responses fail the step so the engine can retry the node.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"HTTP Request node: Request failed with status code %d %s.",
			resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read http response").WithCause(err)
	}

	// JSON bodies are decoded so downstream templates can address fields;
	// everything else is kept as text.
	var respData any
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if err := json.Unmarshal(raw, &respData); err != nil {
			respData = string(raw)
		}
	} else {
		respData = string(raw)
	}

	return &HTTPResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Data:       respData,
	}, nil
}
