package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/scheduler"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// --- Workflows ---

func (s *Server) handleWorkflowCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	def, res := s.definitionArg(req)
	if res != nil {
		return validationFailure(res), nil
	}
	if def == nil {
		return mcp.NewToolResultError("definition or document is required"), nil
	}

	wf, err := s.engine.CreateWorkflow(ctx, engine.WorkflowSpec{
		Name:        name,
		Description: req.GetString("description", ""),
		Definition:  *def,
		TimeoutSec:  extractInt(req.GetArguments(), "timeout_sec", 0),
	})
	if err != nil {
		return toolError("create workflow", err), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleWorkflowGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	wf, err := s.engine.GetWorkflow(ctx, ref)
	if err != nil {
		return toolError("get workflow", err), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleWorkflowUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	args := req.GetArguments()

	var update store.WorkflowUpdate
	def, res := s.definitionArg(req)
	if res != nil {
		return validationFailure(res), nil
	}
	update.Definition = def
	if v, ok := args["description"].(string); ok {
		update.Description = &v
	}
	if v, ok := args["status"].(string); ok && v != "" {
		status := schema.WorkflowStatus(v)
		if status != schema.WorkflowActive && status != schema.WorkflowInactive {
			return mcp.NewToolResultError(fmt.Sprintf("unknown workflow status %q", v)), nil
		}
		update.Status = &status
	}
	if _, ok := args["timeout_sec"]; ok {
		timeout := extractInt(args, "timeout_sec", 0)
		update.TimeoutSec = &timeout
	}

	wf, err := s.engine.UpdateWorkflow(ctx, ref, update)
	if err != nil {
		return toolError("update workflow", err), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleWorkflowDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	if err := s.engine.DeleteWorkflow(ctx, ref); err != nil {
		return toolError("delete workflow", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow": ref})
}

func (s *Server) handleWorkflowList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter := store.WorkflowFilter{
		Name:   req.GetString("name", ""),
		Limit:  extractInt(args, "limit", 50),
		Offset: extractInt(args, "offset", 0),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.WorkflowStatus(v)
		filter.Status = &status
	}
	workflows, err := s.engine.ListWorkflows(ctx, filter)
	if err != nil {
		return toolError("list workflows", err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) handleWorkflowValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := documentArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if data == nil {
		return mcp.NewToolResultError("definition or document is required"), nil
	}
	_, res := s.engine.ValidateDocument(data)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// --- Executions ---

func (s *Server) handleExecutionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	input, err := rawArg(req, "input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	exec, err := s.engine.StartExecution(ctx, ref, input, engine.StartOptions{
		Breakpoints: req.GetStringSlice("breakpoints", nil),
	})
	if err != nil {
		return toolError("start execution", err), nil
	}
	s.logger.InfoContext(logging.WithIDs(ctx, exec.ID, exec.WorkflowID), "execution started over mcp")
	return s.followUp(ctx, req, exec)
}

func (s *Server) handleExecutionStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.StopExecution(ctx, id); err != nil {
		return toolError("stop execution", err), nil
	}
	exec, err := s.engine.Wait(ctx, id)
	if err != nil {
		return toolError("stop execution", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleExecutionGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	detail, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return toolError("get execution", err), nil
	}
	if !req.GetBool("include_events", false) {
		return marshalResult(detail)
	}
	events, err := s.engine.Events(ctx, id, 0)
	if err != nil {
		return toolError("get execution events", err), nil
	}
	return marshalResult(map[string]any{
		"execution":   detail.Execution,
		"states":      detail.States,
		"breakpoints": detail.Breakpoints,
		"events":      events,
	})
}

func (s *Server) handleExecutionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      extractInt(args, "limit", 50),
		Offset:     extractInt(args, "offset", 0),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	if v := req.GetString("since", ""); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &since
	}
	executions, err := s.engine.ListExecutions(ctx, filter)
	if err != nil {
		return toolError("list executions", err), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *Server) handleExecutionResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	replacement, err := rawArg(req, "input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.engine.Resume(ctx, id, replacement)
	if err != nil {
		return toolError("resume execution", err), nil
	}
	return s.followUp(ctx, req, exec)
}

// followUp honours the notify and wait flags of start and resume.
func (s *Server) followUp(ctx context.Context, req mcp.CallToolRequest, exec *store.WorkflowExecution) (*mcp.CallToolResult, error) {
	if req.GetBool("notify", false) {
		s.captureSession(ctx, exec.ID)
		s.watch(exec.ID)
	}
	if !req.GetBool("wait", false) {
		return marshalResult(exec)
	}
	done, err := s.engine.Wait(ctx, exec.ID)
	if err != nil {
		return toolError("wait for execution", err), nil
	}
	return marshalResult(done)
}

// --- Breakpoints ---

func (s *Server) handleBreakpointSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, state, errResult := executionAndState(req)
	if errResult != nil {
		return errResult, nil
	}
	bp, err := s.engine.SetBreakpoint(ctx, id, state)
	if err != nil {
		return toolError("set breakpoint", err), nil
	}
	return marshalResult(bp)
}

func (s *Server) handleBreakpointList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	bps, err := s.engine.ListBreakpoints(ctx, id)
	if err != nil {
		return toolError("list breakpoints", err), nil
	}
	return marshalResult(map[string]any{"breakpoints": bps})
}

func (s *Server) handleBreakpointDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, state, errResult := executionAndState(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.engine.DeleteBreakpoint(ctx, id, state); err != nil {
		return toolError("delete breakpoint", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id, "state": state})
}

// --- Schedules ---

func (s *Server) handleScheduleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	ref, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	expr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	input, err := rawArg(req, "input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wf, err := s.engine.GetWorkflow(ctx, ref)
	if err != nil {
		return toolError("create schedule", err), nil
	}
	job, err := s.scheduler.Create(ctx, scheduler.JobSpec{
		WorkflowID:     wf.ID,
		CronExpression: expr,
		Input:          input,
		Disabled:       !req.GetBool("enabled", true),
	})
	if err != nil {
		return toolError("create schedule", err), nil
	}
	return marshalResult(job)
}

func (s *Server) handleScheduleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	jobs, err := s.scheduler.List(ctx, store.ScheduledJobFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      extractInt(req.GetArguments(), "limit", 0),
	})
	if err != nil {
		return toolError("list schedules", err), nil
	}
	return marshalResult(map[string]any{"schedules": jobs})
}

func (s *Server) handleScheduleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	if err := s.scheduler.Delete(ctx, id); err != nil {
		return toolError("delete schedule", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "schedule_id": id})
}

// --- Notifications ---

// watch notifies the execution's session once it ends or pauses.
func (s *Server) watch(executionID string) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		ctx := logging.WithExecutionID(context.Background(), executionID)
		exec, err := s.engine.Wait(ctx, executionID)
		if err != nil {
			s.logger.WarnContext(ctx, "watch execution", "error", err)
			return
		}
		payload := map[string]any{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"status":       exec.Status,
		}
		if exec.PausedAtState != "" {
			payload["paused_at_state"] = exec.PausedAtState
		}
		if exec.Error != "" {
			payload["error"] = exec.Error
			payload["error_code"] = exec.ErrorCode
		}
		if err := s.notifier.Notify(ctx, executionID, payload); err != nil {
			s.logger.WarnContext(ctx, "notify execution update", "error", err)
		}
		if exec.Status.IsTerminal() {
			s.sessions.Forget(executionID)
		}
	}()
}

// captureSession maps the execution to the calling MCP session.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// --- Argument helpers ---

// definitionArg validates the definition or document argument. A nil
// definition with a nil result means neither was given.
func (s *Server) definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	data, err := documentArg(req)
	if err != nil {
		res := &schema.ValidationResult{}
		res.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, res
	}
	if data == nil {
		return nil, nil
	}
	def, res := s.engine.ValidateDocument(data)
	if !res.Valid() {
		return nil, res
	}
	return def, nil
}

// documentArg returns the raw definition from either the definition object
// or the document string.
func documentArg(req mcp.CallToolRequest) ([]byte, error) {
	if doc := req.GetString("document", ""); doc != "" {
		return []byte(doc), nil
	}
	raw, err := rawArg(req, "definition")
	if err != nil || raw == nil {
		return nil, err
	}
	return raw, nil
}

// rawArg re-encodes an argument as JSON; a missing argument is nil.
func rawArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	if str, ok := v.(string); ok {
		// Clients that cannot send objects pass JSON text.
		if !json.Valid([]byte(str)) {
			return nil, fmt.Errorf("%s is not valid JSON", key)
		}
		return json.RawMessage(str), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return data, nil
}

func executionAndState(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("execution_id is required")
	}
	state, err := req.RequireString("state")
	if err != nil {
		return "", "", mcp.NewToolResultError("state is required")
	}
	return id, state, nil
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// --- Result helpers ---

func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", op, err))
}

func validationFailure(res *schema.ValidationResult) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", res.ToError()))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
