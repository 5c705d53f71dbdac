package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitworks/conduit/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:      uuid.New().String(),
		Name:    "fetch-and-notify",
		OwnerID: "owner-1",
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeManualTrigger},
			{ID: "http", Type: schema.NodeTypeHTTPRequest, Data: json.RawMessage(`{"endpoint":"https://example.com"}`)},
		},
		Connections: []schema.Connection{
			{FromNodeID: "trigger", ToNodeID: "http"},
		},
	}
	require.NoError(t, s.SaveWorkflow(context.Background(), wf))
	return wf
}

// Workflow round trips

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "fetch-and-notify", got.Name)
	assert.Equal(t, "owner-1", got.OwnerID)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, schema.NodeTypeHTTPRequest, got.Nodes[1].Type)
	require.Len(t, got.Connections, 1)
	assert.Equal(t, "trigger", got.Connections[0].FromNodeID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveWorkflowUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)
	wf.Name = "renamed"
	wf.Nodes = wf.Nodes[:1]
	wf.Connections = nil
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Connections)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)
	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)
}

// Execution records

func TestCreateExecutionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	first, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, first.Status)
	assert.Equal(t, "evt-1", first.TriggeringEventID)

	// Re-delivered event must map onto the same execution.
	second, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := s.CreateExecution(ctx, "evt-2", wf.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCompleteExecutionExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	_, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)

	done, err := s.CompleteExecution(ctx, "evt-1", schema.ExecutionUpdate{
		Status: schema.ExecutionStatusCompleted,
		Output: json.RawMessage(`{"result":42}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, done.Status)
	assert.JSONEq(t, `{"result":42}`, string(done.Output))
	require.NotNil(t, done.CompletedAt)

	// A late FAILED update must not overwrite the terminal record.
	again, err := s.CompleteExecution(ctx, "evt-1", schema.ExecutionUpdate{
		Status: schema.ExecutionStatusFailed,
		Error:  "too late",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, again.Status)
	assert.Empty(t, again.Error)
}

func TestCompleteExecutionFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	_, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)

	failed, err := s.CompleteExecution(ctx, "evt-1", schema.ExecutionUpdate{
		Status:     schema.ExecutionStatusFailed,
		Error:      "boom",
		ErrorStack: "node http: boom",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, "node http: boom", failed.ErrorStack)
}

func TestCompleteExecutionRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	_, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)

	_, err = s.CompleteExecution(ctx, "evt-1", schema.ExecutionUpdate{
		Status: schema.ExecutionStatusRunning,
	})
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestCompleteExecutionUnknownEvent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CompleteExecution(context.Background(), "nope", schema.ExecutionUpdate{
		Status: schema.ExecutionStatusCompleted,
	})
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	other := seedWorkflow(t, s)

	_, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)
	_, err = s.CreateExecution(ctx, "evt-2", wf.ID)
	require.NoError(t, err)
	_, err = s.CreateExecution(ctx, "evt-3", other.ID)
	require.NoError(t, err)

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// Step memoization

func TestStepResultFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	exec, err := s.CreateExecution(ctx, "evt-1", wf.ID)
	require.NoError(t, err)

	missing, err := s.GetStepResult(ctx, exec.ID, "http-request")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.PutStepResult(ctx, exec.ID, "http-request", json.RawMessage(`{"status":200}`)))
	require.NoError(t, s.PutStepResult(ctx, exec.ID, "http-request", json.RawMessage(`{"status":500}`)))

	got, err := s.GetStepResult(ctx, exec.ID, "http-request")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"status":200}`, string(got.Payload))
	assert.False(t, got.RecordedAt.IsZero())
}

func TestStepResultsScopedToExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	a, err := s.CreateExecution(ctx, "evt-a", wf.ID)
	require.NoError(t, err)
	b, err := s.CreateExecution(ctx, "evt-b", wf.ID)
	require.NoError(t, err)

	require.NoError(t, s.PutStepResult(ctx, a.ID, "http-request", json.RawMessage(`{"run":"a"}`)))

	got, err := s.GetStepResult(ctx, b.ID, "http-request")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// Credentials

func TestCredentialLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &CredentialRecord{
		OwnerID:    "owner-1",
		Type:       "openai",
		Ciphertext: []byte{0x01, 0x02, 0x03},
	}
	require.NoError(t, s.CreateCredential(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := s.GetCredential(ctx, rec.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Ciphertext)
	assert.Equal(t, "openai", got.Type)

	// Wrong owner looks exactly like a missing credential.
	_, err = s.GetCredential(ctx, rec.ID, "owner-2")
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeCredential, ee.Code)

	list, err := s.ListCredentials(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Ciphertext)

	require.NoError(t, s.DeleteCredential(ctx, rec.ID, "owner-1"))
	_, err = s.GetCredential(ctx, rec.ID, "owner-1")
	require.Error(t, err)
}
