package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/pkg/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Executor starts workflow runs on behalf of MCP clients.
type Executor interface {
	Execute(ctx context.Context, event schema.TriggerEvent) (*schema.Execution, error)
}

// Store is the persistence surface the MCP tools read from.
type Store interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error)
}

// ConduitServerDeps holds the dependencies for creating a ConduitServer.
type ConduitServerDeps struct {
	Executor Executor
	Store    Store
	Logger   *slog.Logger
}

// ConduitServer wraps an MCP server with conduit-specific tool handlers.
type ConduitServer struct {
	executor  Executor
	store     Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConduitServer creates a new ConduitServer with all tools registered.
func NewConduitServer(deps ConduitServerDeps) *ConduitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConduitServer{
		executor: deps.Executor,
		store:    deps.Store,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"conduit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conduit is a workflow execution engine. Use conduit.execute to run a stored workflow, conduit.execution to inspect a run, and conduit.list to browse workflows or executions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve speaks MCP over stdio until ctx is cancelled or stdin closes.
func (s *ConduitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer exposes the wrapped server so callers can attach other transports.
func (s *ConduitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConduitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: executionTool(), Handler: s.handleExecution},
		{Tool: listTool(), Handler: s.handleList},
	}
}

func executeTool() mcp.Tool {
	return mcp.NewTool("conduit.execute",
		mcp.WithDescription("Execute a stored workflow and wait for the terminal result"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("initial_data", mcp.Description("Initial context for the run, keyed by variable name")),
		mcp.WithString("event_id", mcp.Description("Idempotency key; repeated calls with the same event_id return the same execution")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("conduit.execution",
		mcp.WithDescription("Get the record of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to fetch")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("conduit.list",
		mcp.WithDescription("List workflows or executions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (owner_id, workflow_id, limit)")),
	)
}
