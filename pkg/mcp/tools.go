package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/pkg/schema"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// handleExecute runs a stored workflow and returns its terminal record.
func (s *ConduitServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	eventID := req.GetString("event_id", "")
	if eventID == "" {
		eventID = uuid.New().String()
	}
	initialData := mcp.ParseStringMap(req, "initial_data", nil)

	event := schema.TriggerEvent{
		WorkflowID:  workflowID,
		EventID:     eventID,
		InitialData: schema.Context(initialData),
	}

	exec, runErr := s.executor.Execute(ctx, event)
	if runErr != nil {
		// The execution record, when present, carries the failure detail.
		if exec != nil {
			return marshalResult(exec)
		}
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(exec)
}

// handleExecution fetches a single execution record.
func (s *ConduitServer) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
	}
	return marshalResult(exec)
}

// handleList lists workflows or executions based on filters.
func (s *ConduitServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.listWorkflows(ctx, filter)
	case "executions":
		return s.listExecutions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("resource must be workflows or executions, got %q", resource)), nil
	}
}

func (s *ConduitServer) listWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		OwnerID: filterString(filter, "owner_id"),
		Limit:   filterLimit(filter),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *ConduitServer) listExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executions, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: filterString(filter, "workflow_id"),
		Limit:      filterLimit(filter),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

const defaultListLimit = 50

func filterString(filter map[string]any, key string) string {
	s, _ := filter[key].(string)
	return s
}

// filterLimit reads "limit" from a filter map, tolerating the number types
// JSON decoding and MCP clients produce.
func filterLimit(filter map[string]any) int {
	switch val := filter["limit"].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultListLimit
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
