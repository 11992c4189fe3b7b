// Package mcp exposes the workflow engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/scheduler"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	// Scheduler is optional; schedule.* tools fail without it.
	Scheduler *scheduler.Scheduler
	Sessions  *SessionRegistry
	// Notifier overrides the session notifier.
	Notifier Notifier
	Logger   *slog.Logger
	Version  string
}

// Server wraps an MCP server with stateflow tool handlers.
type Server struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	sessions  *SessionRegistry
	notifier  Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
	watchers  sync.WaitGroup
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		sessions:  sessions,
		logger:    logging.OrDefault(deps.Logger),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stateflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stateflow runs declarative state-machine workflows. Register definitions with workflow.create, "+
			"start them with execution.start, inspect progress with execution.get, pause them with breakpoint.set and "+
			"continue with execution.resume. schedule.create runs a workflow on a cron expression."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewSessionNotifier(mcpSrv, sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Drain waits for pending execution watchers to deliver their notifications.
func (s *Server) Drain() {
	s.watchers.Wait()
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: workflowCreateTool(), Handler: s.handleWorkflowCreate},
		{Tool: workflowGetTool(), Handler: s.handleWorkflowGet},
		{Tool: workflowUpdateTool(), Handler: s.handleWorkflowUpdate},
		{Tool: workflowDeleteTool(), Handler: s.handleWorkflowDelete},
		{Tool: workflowListTool(), Handler: s.handleWorkflowList},
		{Tool: workflowValidateTool(), Handler: s.handleWorkflowValidate},
		{Tool: executionStartTool(), Handler: s.handleExecutionStart},
		{Tool: executionStopTool(), Handler: s.handleExecutionStop},
		{Tool: executionGetTool(), Handler: s.handleExecutionGet},
		{Tool: executionListTool(), Handler: s.handleExecutionList},
		{Tool: executionResumeTool(), Handler: s.handleExecutionResume},
		{Tool: breakpointSetTool(), Handler: s.handleBreakpointSet},
		{Tool: breakpointListTool(), Handler: s.handleBreakpointList},
		{Tool: breakpointDeleteTool(), Handler: s.handleBreakpointDelete},
		{Tool: scheduleCreateTool(), Handler: s.handleScheduleCreate},
		{Tool: scheduleListTool(), Handler: s.handleScheduleList},
		{Tool: scheduleDeleteTool(), Handler: s.handleScheduleDelete},
	}
}

// --- Tool definitions ---

var stringItems = mcp.Items(map[string]any{"type": "string"})

func workflowCreateTool() mcp.Tool {
	return mcp.NewTool("workflow.create",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique workflow name")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (start_at, states)")),
		mcp.WithString("document", mcp.Description("Workflow definition as a JSON or YAML document, instead of definition")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithNumber("timeout_sec", mcp.Description("Whole-execution timeout in seconds (0 = engine default)")),
	)
}

func workflowGetTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Get a workflow by ID or name"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or name")),
	)
}

func workflowUpdateTool() mcp.Tool {
	return mcp.NewTool("workflow.update",
		mcp.WithDescription("Update a workflow; a new definition bumps its version"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or name")),
		mcp.WithObject("definition", mcp.Description("Replacement definition object")),
		mcp.WithString("document", mcp.Description("Replacement definition as a JSON or YAML document")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("status", mcp.Enum("active", "inactive"), mcp.Description("Inactive workflows refuse new executions")),
		mcp.WithNumber("timeout_sec", mcp.Description("New whole-execution timeout in seconds")),
	)
}

func workflowDeleteTool() mcp.Tool {
	return mcp.NewTool("workflow.delete",
		mcp.WithDescription("Delete a workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or name")),
	)
}

func workflowListTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflows"),
		mcp.WithString("status", mcp.Enum("active", "inactive"), mcp.Description("Filter by status")),
		mcp.WithString("name", mcp.Description("Filter by name")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func workflowValidateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("document", mcp.Description("Workflow definition as a JSON or YAML document")),
	)
}

func executionStartTool() mcp.Tool {
	return mcp.NewTool("execution.start",
		mcp.WithDescription("Start an execution of a workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or name")),
		mcp.WithObject("input", mcp.Description("Execution input (default {})")),
		mcp.WithArray("breakpoints", stringItems, mcp.Description("States to pause before")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends or pauses")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the execution ends or pauses")),
	)
}

func executionStopTool() mcp.Tool {
	return mcp.NewTool("execution.stop",
		mcp.WithDescription("Cancel a running or paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func executionGetTool() mcp.Tool {
	return mcp.NewTool("execution.get",
		mcp.WithDescription("Get an execution with its state history and breakpoints"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithBoolean("include_events", mcp.Description("Include the event log")),
	)
}

func executionListTool() mcp.Tool {
	return mcp.NewTool("execution.list",
		mcp.WithDescription("List executions"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow ID")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "paused", "succeeded", "failed", "timeout", "cancelled"),
			mcp.Description("Filter by status"),
		),
		mcp.WithString("since", mcp.Description("RFC3339 lower bound on creation time")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func executionResumeTool() mcp.Tool {
	return mcp.NewTool("execution.resume",
		mcp.WithDescription("Resume a paused execution, optionally replacing the paused input"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithObject("input", mcp.Description("Replacement input for the paused state")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends or pauses again")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the execution ends or pauses")),
	)
}

func breakpointSetTool() mcp.Tool {
	return mcp.NewTool("breakpoint.set",
		mcp.WithDescription("Pause an execution before a top-level state"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithString("state", mcp.Required(), mcp.Description("State to pause before")),
	)
}

func breakpointListTool() mcp.Tool {
	return mcp.NewTool("breakpoint.list",
		mcp.WithDescription("List the breakpoints of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func breakpointDeleteTool() mcp.Tool {
	return mcp.NewTool("breakpoint.delete",
		mcp.WithDescription("Remove a breakpoint"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithString("state", mcp.Required(), mcp.Description("State of the breakpoint")),
	)
}

func scheduleCreateTool() mcp.Tool {
	return mcp.NewTool("schedule.create",
		mcp.WithDescription("Start a workflow on a cron schedule"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or name")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("input", mcp.Description("Input of every triggered execution")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the schedule is active (default true)")),
	)
}

func scheduleListTool() mcp.Tool {
	return mcp.NewTool("schedule.list",
		mcp.WithDescription("List cron schedules"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	)
}

func scheduleDeleteTool() mcp.Tool {
	return mcp.NewTool("schedule.delete",
		mcp.WithDescription("Delete a cron schedule"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	)
}
