// Package server exposes the HTTP surface: trigger endpoints, webhook
// receivers, execution lookups and a live status stream.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conduitworks/conduit/internal/engine"
	"github.com/conduitworks/conduit/internal/metrics"
	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/validation"
	"github.com/conduitworks/conduit/pkg/schema"
)

// Executor runs a workflow for one trigger event.
type Executor interface {
	Execute(ctx context.Context, event schema.TriggerEvent) (*schema.Execution, error)
}

// Store is the persistence surface the HTTP handlers need.
type Store interface {
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	CreateExecution(ctx context.Context, eventID, workflowID string) (*schema.Execution, error)
	CompleteExecution(ctx context.Context, eventID string, update schema.ExecutionUpdate) (*schema.Execution, error)
}

// Deps holds the server's dependencies.
type Deps struct {
	Store     Store
	Executor  Executor
	Hub       streaming.Hub
	Pool      *engine.WorkerPool
	Metrics   *metrics.Metrics
	Validator validation.Validator
	Logger    *slog.Logger

	// StripeWebhookSecret enables signature verification on the stripe
	// webhook route. Empty disables verification.
	StripeWebhookSecret string
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/execute", s.handleExecute)

		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/webhooks/google-form", s.handleGoogleFormWebhook)

		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/executions/{id}/status/stream", s.handleStatusStream)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
