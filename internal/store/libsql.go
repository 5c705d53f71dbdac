// Package store persists workflows, execution records, step memoization
// results and credentials in libSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/conduitworks/conduit/pkg/schema"
)

// LibSQLStore implements persistence using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at dbPath, given as a file URI
// such as "file:/var/lib/conduit/conduit.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// PRAGMAs may return a result row, so these go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate brings the schema up to date.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Workflows

// SaveWorkflow inserts or replaces a workflow. The node and connection sets
// are replaced wholesale, matching how the editor saves graphs.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is empty")
	}

	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	connections, err := json.Marshal(wf.Connections)
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}

	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, owner_id, nodes, connections, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   nodes = excluded.nodes,
		   connections = excluded.connections,
		   updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.OwnerID, string(nodes), string(connections), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}
	return nil
}

// GetWorkflow loads a workflow with its full node and connection sets.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var (
		wf          schema.Workflow
		nodes       string
		connections string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, nodes, connections, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.OwnerID, &nodes, &connections, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get workflow").WithCause(err)
	}

	if err := json.Unmarshal([]byte(nodes), &wf.Nodes); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode nodes").WithCause(err)
	}
	if err := json.Unmarshal([]byte(connections), &wf.Connections); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode connections").WithCause(err)
	}
	return &wf, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT id, name, owner_id, nodes, connections, created_at, updated_at FROM workflows`
	var args []any
	if filter.OwnerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list workflows").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var (
			wf          schema.Workflow
			nodes       string
			connections string
		)
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.OwnerID, &nodes, &connections, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan workflow").WithCause(err)
		}
		if err := json.Unmarshal([]byte(nodes), &wf.Nodes); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode nodes").WithCause(err)
		}
		if err := json.Unmarshal([]byte(connections), &wf.Connections); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode connections").WithCause(err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow. Executions are kept for postmortem.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete workflow").WithCause(err)
	}
	return nil
}

// Executions

// CreateExecution records the start of a run. Idempotent on the triggering
// event ID: re-delivery of an already-seen event returns the existing
// execution without creating a new row.
func (s *LibSQLStore) CreateExecution(ctx context.Context, eventID, workflowID string) (*schema.Execution, error) {
	if eventID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "triggering event id is empty")
	}

	exec := &schema.Execution{
		ID:                uuid.New().String(),
		WorkflowID:        workflowID,
		TriggeringEventID: eventID,
		Status:            schema.ExecutionStatusRunning,
		StartedAt:         time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, triggering_event_id, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(triggering_event_id) DO NOTHING`,
		exec.ID, exec.WorkflowID, exec.TriggeringEventID, exec.Status, exec.StartedAt,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetExecutionByEvent(ctx, eventID)
	}
	return exec, nil
}

// CompleteExecution applies the terminal update for a run. Exactly-once: the
// update only lands while the execution is still RUNNING; a replayed
// completion returns the already-terminal record unchanged.
func (s *LibSQLStore) CompleteExecution(ctx context.Context, eventID string, update schema.ExecutionUpdate) (*schema.Execution, error) {
	if !schema.CanTransition(schema.ExecutionStatusRunning, update.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid terminal status %q", update.Status)
	}

	now := time.Now().UTC()
	var output any
	if len(update.Output) > 0 {
		output = string(update.Output)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, output = ?, error = ?, error_stack = ?, completed_at = ?
		 WHERE triggering_event_id = ? AND status = ?`,
		update.Status, output, nullable(update.Error), nullable(update.ErrorStack), now,
		eventID, schema.ExecutionStatusRunning,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "complete execution").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown event or already terminal; the fetch disambiguates.
		return s.GetExecutionByEvent(ctx, eventID)
	}
	return s.GetExecutionByEvent(ctx, eventID)
}

// GetExecutionByEvent loads an execution by its triggering event ID.
func (s *LibSQLStore) GetExecutionByEvent(ctx context.Context, eventID string) (*schema.Execution, error) {
	return s.getExecution(ctx, `triggering_event_id`, eventID)
}

// GetExecution loads an execution by its own ID.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return s.getExecution(ctx, `id`, id)
}

func (s *LibSQLStore) getExecution(ctx context.Context, column, key string) (*schema.Execution, error) {
	var (
		exec        schema.Execution
		output      sql.NullString
		errMsg      sql.NullString
		errStack    sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, triggering_event_id, status, output, error, error_stack, started_at, completed_at
		 FROM executions WHERE `+column+` = ?`, key,
	).Scan(&exec.ID, &exec.WorkflowID, &exec.TriggeringEventID, &exec.Status,
		&output, &errMsg, &errStack, &exec.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", key)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get execution").WithCause(err)
	}

	if output.Valid {
		exec.Output = json.RawMessage(output.String)
	}
	exec.Error = errMsg.String
	exec.ErrorStack = errStack.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	query := `SELECT triggering_event_id FROM executions`
	var args []any
	if filter.WorkflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	defer rows.Close()

	var eventIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan execution").WithCause(err)
		}
		eventIDs = append(eventIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*schema.Execution, 0, len(eventIDs))
	for _, id := range eventIDs {
		exec, err := s.GetExecutionByEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// Step results

// GetStepResult returns the memoized payload for a step, or nil when the
// step has not completed yet.
func (s *LibSQLStore) GetStepResult(ctx context.Context, executionID, stepName string) (*StepResult, error) {
	var (
		sr      StepResult
		payload sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_name, payload, recorded_at
		 FROM step_results WHERE execution_id = ? AND step_name = ?`,
		executionID, stepName,
	).Scan(&sr.ExecutionID, &sr.StepName, &payload, &sr.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get step result").WithCause(err)
	}
	if payload.Valid {
		sr.Payload = json.RawMessage(payload.String)
	}
	return &sr, nil
}

// PutStepResult durably records a completed step. The first write wins:
// a replayed write for the same step is a no-op.
func (s *LibSQLStore) PutStepResult(ctx context.Context, executionID, stepName string, payload json.RawMessage) error {
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, step_name, payload, recorded_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_name) DO NOTHING`,
		executionID, stepName, p, time.Now().UTC(),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "put step result").WithCause(err)
	}
	return nil
}

// StepView is the narrow step-result surface handed to the step runner.
type StepView struct {
	s *LibSQLStore
}

// Steps returns the store's step-result view.
func (s *LibSQLStore) Steps() *StepView { return &StepView{s: s} }

// GetStepResult reports the memoized payload and whether it exists.
func (v *StepView) GetStepResult(ctx context.Context, executionID, stepName string) (json.RawMessage, bool, error) {
	sr, err := v.s.GetStepResult(ctx, executionID, stepName)
	if err != nil {
		return nil, false, err
	}
	if sr == nil {
		return nil, false, nil
	}
	return sr.Payload, true, nil
}

// PutStepResult durably records a completed step.
func (v *StepView) PutStepResult(ctx context.Context, executionID, stepName string, payload json.RawMessage) error {
	return v.s.PutStepResult(ctx, executionID, stepName, payload)
}

// Credentials

// CreateCredential stores an already-encrypted credential.
func (s *LibSQLStore) CreateCredential(ctx context.Context, rec *CredentialRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner_id, type, ciphertext, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Type, rec.Ciphertext, rec.CreatedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create credential").WithCause(err)
	}
	return nil
}

// GetCredential loads a credential scoped to its owner. A wrong owner is
// indistinguishable from a missing credential.
func (s *LibSQLStore) GetCredential(ctx context.Context, id, ownerID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, type, ciphertext, created_at
		 FROM credentials WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Type, &rec.Ciphertext, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "credential %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get credential").WithCause(err)
	}
	return &rec, nil
}

// ListCredentials returns the owner's credentials without ciphertext.
func (s *LibSQLStore) ListCredentials(ctx context.Context, ownerID string) ([]*CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, type, created_at FROM credentials
		 WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list credentials").WithCause(err)
	}
	defer rows.Close()

	var out []*CredentialRecord
	for rows.Next() {
		var rec CredentialRecord
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Type, &rec.CreatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan credential").WithCause(err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential scoped to its owner.
func (s *LibSQLStore) DeleteCredential(ctx context.Context, id, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete credential").WithCause(err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
