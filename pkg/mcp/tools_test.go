package mcp

import (
	"context"
	"testing"

	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/pkg/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)


type mockStore struct {
	workflows  []*schema.Workflow
	executions []*schema.Execution
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	result := make([]*schema.Workflow, 0)
	for _, wf := range m.workflows {
		if filter.OwnerID != "" && wf.OwnerID != filter.OwnerID {
			continue
		}
		result = append(result, wf)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	result := make([]*schema.Execution, 0)
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}


type mockExecutor struct {
	execResult *schema.Execution
	execErr    error
	events     []schema.TriggerEvent
}

func (m *mockExecutor) Execute(_ context.Context, event schema.TriggerEvent) (*schema.Execution, error) {
	m.events = append(m.events, event)
	return m.execResult, m.execErr
}


func toolCall(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}


func TestExecuteTool(t *testing.T) {
	exec := &mockExecutor{
		execResult: &schema.Execution{
			ID:         "exec-1",
			WorkflowID: "wf-1",
			Status:     schema.ExecutionStatusCompleted,
		},
	}

	s := NewConduitServer(ConduitServerDeps{Executor: exec, Store: &mockStore{}})

	req := toolCall("conduit.execute", map[string]any{
		"workflow_id":  "wf-1",
		"initial_data": map[string]any{"trigger": map[string]any{"name": "Ava"}},
	})

	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.Len(t, exec.events, 1)
	assert.Equal(t, "wf-1", exec.events[0].WorkflowID)
	assert.NotEmpty(t, exec.events[0].EventID)
	assert.Contains(t, exec.events[0].InitialData, "trigger")
}

func TestExecuteToolCustomEventID(t *testing.T) {
	exec := &mockExecutor{
		execResult: &schema.Execution{ID: "exec-1", Status: schema.ExecutionStatusCompleted},
	}

	s := NewConduitServer(ConduitServerDeps{Executor: exec, Store: &mockStore{}})

	req := toolCall("conduit.execute", map[string]any{
		"workflow_id": "wf-1",
		"event_id":    "evt-42",
	})

	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, exec.events, 1)
	assert.Equal(t, "evt-42", exec.events[0].EventID)
}

func TestExecuteToolFailedRunReturnsRecord(t *testing.T) {
	exec := &mockExecutor{
		execResult: &schema.Execution{
			ID:     "exec-1",
			Status: schema.ExecutionStatusFailed,
			Error:  "HTTP Request node: No endpoint configured.",
		},
		execErr: schema.NewError(schema.ErrCodeValidation, "HTTP Request node: No endpoint configured."),
	}

	s := NewConduitServer(ConduitServerDeps{Executor: exec, Store: &mockStore{}})

	req := toolCall("conduit.execute", map[string]any{"workflow_id": "wf-1"})
	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	// The failed record is still a result, not a tool error.
	assert.False(t, result.IsError)
}

func TestExecuteToolMissingWorkflowID(t *testing.T) {
	s := NewConduitServer(ConduitServerDeps{})

	req := toolCall("conduit.execute", map[string]any{})
	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecutionTool(t *testing.T) {
	ms := &mockStore{
		executions: []*schema.Execution{
			{ID: "exec-7", WorkflowID: "wf-1", Status: schema.ExecutionStatusRunning},
		},
	}

	s := NewConduitServer(ConduitServerDeps{Store: ms})

	req := toolCall("conduit.execution", map[string]any{"execution_id": "exec-7"})
	result, err := s.handleExecution(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestExecutionToolNotFound(t *testing.T) {
	s := NewConduitServer(ConduitServerDeps{Store: &mockStore{}})

	req := toolCall("conduit.execution", map[string]any{"execution_id": "ghost"})
	result, err := s.handleExecution(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListToolWorkflows(t *testing.T) {
	ms := &mockStore{
		workflows: []*schema.Workflow{
			{ID: "wf-1", OwnerID: "owner-a"},
			{ID: "wf-2", OwnerID: "owner-b"},
		},
	}

	s := NewConduitServer(ConduitServerDeps{Store: ms})

	req := toolCall("conduit.list", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"owner_id": "owner-a"},
	})
	result, err := s.handleList(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestListToolExecutions(t *testing.T) {
	ms := &mockStore{
		executions: []*schema.Execution{
			{ID: "exec-1", WorkflowID: "wf-1"},
			{ID: "exec-2", WorkflowID: "wf-2"},
		},
	}

	s := NewConduitServer(ConduitServerDeps{Store: ms})

	req := toolCall("conduit.list", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "wf-1", "limit": float64(10)},
	})
	result, err := s.handleList(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestListToolUnknownResource(t *testing.T) {
	s := NewConduitServer(ConduitServerDeps{Store: &mockStore{}})

	req := toolCall("conduit.list", map[string]any{"resource": "credentials"})
	result, err := s.handleList(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestServerRegistersTools(t *testing.T) {
	s := NewConduitServer(ConduitServerDeps{Store: &mockStore{}})
	require.NotNil(t, s.MCPServer())
	assert.Len(t, s.tools(), 3)
}
