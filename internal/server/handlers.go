package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/pkg/schema"
)

const maxBodyBytes = 1 << 20 // 1 MiB

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := schema.ErrCodeExecution
	message := err.Error()

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		code = ee.Code
		message = ee.Message
		switch ee.Code {
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeValidation, schema.ErrCodeDuplicateVariable, schema.ErrCodeTemplate, schema.ErrCodeCycle:
			status = http.StatusBadRequest
		case schema.ErrCodeConflict:
			status = http.StatusConflict
		case schema.ErrCodeCredential:
			status = http.StatusUnprocessableEntity
		}
	}
	s.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// handleCreateWorkflow saves a workflow after structural validation.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&wf); err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "request body is not a workflow").WithCause(err))
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateWorkflow(&wf); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.deps.Store.SaveWorkflow(r.Context(), &wf); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		OwnerID: r.URL.Query().Get("ownerId"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	s.writeJSON(w, http.StatusOK, wfs)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// executeRequest is the body of the manual trigger endpoint.
type executeRequest struct {
	EventID     string         `json:"eventId,omitempty"`
	InitialData schema.Context `json:"initialData,omitempty"`
}

// handleExecute triggers a run. The execution record is created before the
// response so the client gets an ID to poll; the run itself proceeds on the
// worker pool.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")

	var req executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
			return
		}
	}
	if req.EventID == "" {
		req.EventID = uuid.New().String()
	}

	s.startRun(w, r, schema.TriggerEvent{
		WorkflowID:  workflowID,
		EventID:     req.EventID,
		InitialData: req.InitialData,
	})
}

// startRun creates the execution record, schedules the run, and answers 202.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request, event schema.TriggerEvent) {
	if _, err := s.deps.Store.GetWorkflow(r.Context(), event.WorkflowID); err != nil {
		s.writeError(w, err)
		return
	}
	exec, err := s.deps.Store.CreateExecution(r.Context(), event.EventID, event.WorkflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The run outlives the request.
	runCtx := context.WithoutCancel(r.Context())
	if err := s.deps.Pool.Submit(runCtx, func(ctx context.Context) error {
		_, err := s.deps.Executor.Execute(ctx, event)
		return err
	}); err != nil {
		// The run never started, so the record must not stay RUNNING.
		if _, cerr := s.deps.Store.CompleteExecution(runCtx, event.EventID, schema.ExecutionUpdate{
			Status: schema.ExecutionStatusFailed,
			Error:  err.Error(),
		}); cerr != nil {
			s.deps.Logger.Error("mark execution failed", "eventId", event.EventID, "error", cerr)
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"executionId": exec.ID,
		"eventId":     event.EventID,
		"status":      string(exec.Status),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}
