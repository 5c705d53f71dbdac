package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitworks/conduit/internal/engine"
	"github.com/conduitworks/conduit/internal/executors"
	"github.com/conduitworks/conduit/internal/expressions"
	"github.com/conduitworks/conduit/internal/runner"
	"github.com/conduitworks/conduit/internal/secrets"
	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/template"
	"github.com/conduitworks/conduit/pkg/schema"
)

// harness assembles the full stack against a real on-disk store.
type harness struct {
	store    *store.LibSQLStore
	vault    secrets.Vault
	hub      *streaming.MemoryHub
	registry *executors.Registry
	engine   *engine.Engine
	resolver *template.Resolver
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	key := make([]byte, 32)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: key})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	h := &harness{
		store:    st,
		vault:    vault,
		hub:      streaming.NewMemoryHub(),
		registry: executors.NewRegistry(),
		resolver: template.NewResolver(),
		logger:   logger,
	}
	h.engine = engine.New(engine.Config{
		Workflows: st,
		Recorder:  st,
		Runners:   runner.NewFactory(st.Steps(), logger),
		Registry:  h.registry,
		Logger:    logger,
	})
	return h
}

func (h *harness) register(t *testing.T, execs ...executors.Executor) {
	t.Helper()
	for _, e := range execs {
		require.NoError(t, h.registry.Register(e))
	}
}

func (h *harness) saveWorkflow(t *testing.T, wf *schema.Workflow) {
	t.Helper()
	require.NoError(t, h.store.SaveWorkflow(context.Background(), wf))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeOutput(t *testing.T, exec *schema.Execution) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(exec.Output, &out))
	return out
}

func TestLinearHTTPWorkflow(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[1,2,3]}`))
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
		executors.NewTransformExecutor(expressions.NewJQEngine(), h.hub, h.logger),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-linear",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "fetch", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"endpoint":     api.URL + "/x",
				"method":       "GET",
				"variableName": "resp",
			})},
			{ID: "count", Type: schema.NodeTypeTransform, Data: mustJSON(t, map[string]any{
				"expression":   ".resp.httpResponse.data.items | length",
				"variableName": "itemCount",
			})},
		},
		Connections: []schema.Connection{
			{FromNodeID: "trigger", ToNodeID: "fetch"},
			{FromNodeID: "fetch", ToNodeID: "count"},
		},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID:  "wf-linear",
		EventID:     "evt-linear",
		InitialData: schema.Context{},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, int32(1), hits.Load())

	out := decodeOutput(t, exec)
	resp := out["resp"].(map[string]any)
	httpResp := resp["httpResponse"].(map[string]any)
	assert.Equal(t, float64(200), httpResp["status"])
	assert.Equal(t, "OK", httpResp["statusText"])
	assert.Equal(t, float64(3), out["itemCount"])

	// The record is durable and queryable after the run.
	persisted, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, persisted.Status)
}

func TestTwoHTTPNodesKeepSeparateResults(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	apiA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"source":"a"}`))
	}))
	defer apiA.Close()
	apiB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"source":"b"}`))
	}))
	defer apiB.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-two-http",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "fetch-a", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"endpoint": apiA.URL, "method": "GET", "variableName": "respA",
			})},
			{ID: "fetch-b", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"endpoint": apiB.URL, "method": "GET", "variableName": "respB",
			})},
		},
		Connections: []schema.Connection{
			{FromNodeID: "trigger", ToNodeID: "fetch-a"},
			{FromNodeID: "fetch-a", ToNodeID: "fetch-b"},
		},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID: "wf-two-http",
		EventID:    "evt-two-http",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	// Each node performs its own call; the second must not replay the
	// first node's recorded step.
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())

	out := decodeOutput(t, exec)
	respA := out["respA"].(map[string]any)["httpResponse"].(map[string]any)
	respB := out["respB"].(map[string]any)["httpResponse"].(map[string]any)
	assert.Equal(t, map[string]any{"source": "a"}, respA["data"])
	assert.Equal(t, map[string]any{"source": "b"}, respB["data"])
}

func TestMisconfiguredNodeFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-bad",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "fetch", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"method":       "GET",
				"variableName": "resp",
			})},
		},
		Connections: []schema.Connection{{FromNodeID: "trigger", ToNodeID: "fetch"}},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID: "wf-bad",
		EventID:    "evt-bad",
	})
	require.Error(t, err)
	assert.True(t, schema.NonRetriable(err))
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "No endpoint configured.")
	assert.Equal(t, int32(0), hits.Load())
}

func TestCyclicWorkflowNeverRunsNodes(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	nodeData := mustJSON(t, map[string]any{
		"endpoint": api.URL, "method": "GET", "variableName": "a",
	})
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-cycle",
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeTypeHTTPRequest, Data: nodeData},
			{ID: "b", Type: schema.NodeTypeHTTPRequest, Data: nodeData},
			{ID: "c", Type: schema.NodeTypeManualTrigger},
		},
		Connections: []schema.Connection{
			{FromNodeID: "a", ToNodeID: "b"},
			{FromNodeID: "b", ToNodeID: "a"},
		},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID: "wf-cycle",
		EventID:    "evt-cycle",
	})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeCycle, engErr.Code)
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, int32(0), hits.Load())
}

func TestAIPromptResolution(t *testing.T) {
	var gotBody []byte
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hi Ava!"}}]}`))
	}))
	defer provider.Close()

	h := newHarness(t)

	cred := &secrets.Credential{OwnerID: "owner-1", Type: "openai", Secret: "sk-test"}
	require.NoError(t, h.vault.Store(context.Background(), cred))

	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewOpenAIExecutor(h.vault, h.resolver, h.hub, h.logger,
			executors.WithBaseURL(provider.URL)),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID:      "wf-ai",
		OwnerID: "owner-1",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "greet", Type: schema.NodeTypeOpenAI, Data: mustJSON(t, map[string]any{
				"credentialId": cred.ID,
				"userPrompt":   "Hello {{trigger.name}}",
				"variableName": "greeting",
			})},
		},
		Connections: []schema.Connection{{FromNodeID: "trigger", ToNodeID: "greet"}},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID:  "wf-ai",
		EventID:     "evt-ai",
		InitialData: schema.Context{"trigger": map[string]any{"name": "Ava"}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	assert.Contains(t, string(gotBody), "Hello Ava")

	out := decodeOutput(t, exec)
	greeting := out["greeting"].(map[string]any)
	assert.Equal(t, "Hi Ava!", greeting["aiResponse"])
}

func TestDuplicateVariableRejected(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	nodeData := mustJSON(t, map[string]any{
		"endpoint": api.URL, "method": "GET", "variableName": "resp",
	})
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-dup",
		Nodes: []schema.Node{
			{ID: "first", Type: schema.NodeTypeHTTPRequest, Data: nodeData},
			{ID: "second", Type: schema.NodeTypeHTTPRequest, Data: nodeData},
		},
		Connections: []schema.Connection{{FromNodeID: "first", ToNodeID: "second"}},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID: "wf-dup",
		EventID:    "evt-dup",
	})
	require.Error(t, err)
	assert.True(t, schema.NonRetriable(err))
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "Variable name 'resp' already exists in context. Choose a different name.")
	// The second node fails before its own request.
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnregisteredNodeSkipped(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-skip",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "sticky", Type: "STICKY_NOTE", Data: mustJSON(t, map[string]any{"text": "remember"})},
			{ID: "fetch", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"endpoint": api.URL, "method": "GET", "variableName": "resp",
			})},
		},
		Connections: []schema.Connection{
			{FromNodeID: "trigger", ToNodeID: "sticky"},
			{FromNodeID: "sticky", ToNodeID: "fetch"},
		},
	})

	exec, err := h.engine.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID: "wf-skip",
		EventID:    "evt-skip",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	out := decodeOutput(t, exec)
	assert.Contains(t, out, "resp")
	// The skipped node contributes nothing to the context.
	assert.Len(t, out, 1)
}

// effectExecutor performs one counted external effect through the durable
// step runner.
type effectExecutor struct {
	nodeType schema.NodeType
	variable string
	calls    *atomic.Int32
}

func (e *effectExecutor) Type() schema.NodeType { return e.nodeType }

func (e *effectExecutor) Execute(ctx context.Context, in executors.Input) (schema.Context, error) {
	payload, err := in.Runner.Run(ctx, "effect-"+in.NodeID, func(ctx context.Context) (json.RawMessage, error) {
		e.calls.Add(1)
		return json.RawMessage(`{"done":true}`), nil
	})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	out := in.Context.Clone()
	out[e.variable] = result
	return out, nil
}

// panicOnceExecutor simulates a process crash on its first invocation.
type panicOnceExecutor struct {
	nodeType schema.NodeType
	fired    *atomic.Bool
}

func (e *panicOnceExecutor) Type() schema.NodeType { return e.nodeType }

func (e *panicOnceExecutor) Execute(ctx context.Context, in executors.Input) (schema.Context, error) {
	if e.fired.CompareAndSwap(false, true) {
		panic("simulated crash")
	}
	return in.Context, nil
}

func TestCrashReplayDoesNotRepeatSteps(t *testing.T) {
	h := newHarness(t)

	var effectCalls atomic.Int32
	var crashed atomic.Bool
	h.register(t,
		&effectExecutor{nodeType: "TEST_EFFECT", variable: "effect", calls: &effectCalls},
		&panicOnceExecutor{nodeType: "TEST_CRASH", fired: &crashed},
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-crash",
		Nodes: []schema.Node{
			{ID: "one", Type: "TEST_EFFECT"},
			{ID: "two", Type: "TEST_CRASH"},
		},
		Connections: []schema.Connection{{FromNodeID: "one", ToNodeID: "two"}},
	})

	event := schema.TriggerEvent{WorkflowID: "wf-crash", EventID: "evt-crash"}

	// First delivery dies between node one and node two, before any
	// terminal state is recorded.
	func() {
		defer func() { require.NotNil(t, recover()) }()
		_, _ = h.engine.Execute(context.Background(), event)
	}()
	require.Equal(t, int32(1), effectCalls.Load())

	// Re-delivery resumes the still-running execution: node one's step is
	// replayed from the store, node two runs to completion.
	exec, err := h.engine.Execute(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, int32(1), effectCalls.Load())

	out := decodeOutput(t, exec)
	assert.Equal(t, map[string]any{"done": true}, out["effect"])
}

func TestTerminalEventRedelivery(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	h := newHarness(t)
	h.register(t,
		executors.NewManualTriggerExecutor(),
		executors.NewHTTPRequestExecutor(nil, h.resolver, h.hub, h.logger),
	)
	h.saveWorkflow(t, &schema.Workflow{
		ID: "wf-replay",
		Nodes: []schema.Node{
			{ID: "fetch", Type: schema.NodeTypeHTTPRequest, Data: mustJSON(t, map[string]any{
				"endpoint": api.URL, "method": "GET", "variableName": "resp",
			})},
		},
	})

	event := schema.TriggerEvent{WorkflowID: "wf-replay", EventID: "evt-replay"}

	first, err := h.engine.Execute(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, first.Status)

	second, err := h.engine.Execute(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, second.Status)
}
