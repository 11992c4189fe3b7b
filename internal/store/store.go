package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	// State history (append-only records, updated only while running)
	CreateStateExecution(ctx context.Context, rec *StateExecution) error
	UpdateStateExecution(ctx context.Context, id string, update StateExecutionUpdate) error
	ListStateExecutions(ctx context.Context, executionID string) ([]*StateExecution, error)

	// Breakpoints
	UpsertBreakpoint(ctx context.Context, bp *Breakpoint) error
	ListBreakpoints(ctx context.Context, executionID string) ([]*Breakpoint, error)
	DeleteBreakpoint(ctx context.Context, executionID, beforeState string) error

	// Event log
	EventStore

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}

// EventStore is the append-only execution event log.
type EventStore interface {
	// AppendEvent assigns the next per-execution sequence number and stores the event.
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns events with sequence > since, ordered by sequence.
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	// GetEventsByType returns events of one type matching the filter.
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}
