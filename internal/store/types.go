package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// Workflow is a named, versioned workflow definition.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Version     int                       `json:"version"`
	Status      schema.WorkflowStatus     `json:"status"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	TimeoutSec  int                       `json:"timeout_sec"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// WorkflowExecution is one run of a workflow. The definition is snapshotted
// at start so later workflow updates never affect a running execution.
type WorkflowExecution struct {
	ID              string                    `json:"id"`
	WorkflowID      string                    `json:"workflow_id"`
	WorkflowName    string                    `json:"workflow_name"`
	WorkflowVersion int                       `json:"workflow_version"`
	Definition      schema.WorkflowDefinition `json:"definition"`
	Status          schema.ExecutionStatus    `json:"status"`
	Input           json.RawMessage           `json:"input,omitempty"`
	Output          json.RawMessage           `json:"output,omitempty"`
	Error           string                    `json:"error,omitempty"`
	ErrorCode       string                    `json:"error_code,omitempty"`
	CurrentState    string                    `json:"current_state,omitempty"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	TimeoutAt       *time.Time                `json:"timeout_at,omitempty"`
	PausedAtState   string                    `json:"paused_at_state,omitempty"`
	PausedInput     json.RawMessage           `json:"paused_input,omitempty"`
	PausedAt        *time.Time                `json:"paused_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// StateExecution records one visit of a state. Retries reuse the record and
// bump RetryCount. Branch states carry the Parallel record as ParentID.
type StateExecution struct {
	ID           string             `json:"id"`
	ExecutionID  string             `json:"execution_id"`
	ParentID     string             `json:"parent_id,omitempty"`
	BranchIndex  *int               `json:"branch_index,omitempty"`
	StateName    string             `json:"state_name"`
	StateType    schema.StateType   `json:"state_type"`
	Status       schema.StateStatus `json:"status"`
	Input        json.RawMessage    `json:"input,omitempty"`
	Output       json.RawMessage    `json:"output,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	RetryCount   int                `json:"retry_count"`
	InvocationID string             `json:"invocation_id,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	Seq          int64              `json:"-"` // insertion order
}

// Breakpoint pauses an execution before the named state is entered.
type Breakpoint struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	BeforeState string    `json:"before_state"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	State       string          `json:"state,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Name   string                 `json:"name,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow. A non-nil
// Definition bumps the version.
type WorkflowUpdate struct {
	Description *string                    `json:"description,omitempty"`
	Status      *schema.WorkflowStatus     `json:"status,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
	TimeoutSec  *int                       `json:"timeout_sec,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. ClearPause
// resets the paused_* snapshot when an execution resumes.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus `json:"status,omitempty"`
	Output        json.RawMessage         `json:"output,omitempty"`
	Error         *string                 `json:"error,omitempty"`
	ErrorCode     *string                 `json:"error_code,omitempty"`
	CurrentState  *string                 `json:"current_state,omitempty"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	TimeoutAt     *time.Time              `json:"timeout_at,omitempty"`
	PausedAtState *string                 `json:"paused_at_state,omitempty"`
	PausedInput   json.RawMessage         `json:"paused_input,omitempty"`
	PausedAt      *time.Time              `json:"paused_at,omitempty"`
	ClearPause    bool                    `json:"clear_pause,omitempty"`
}

// StateExecutionUpdate specifies mutable fields of a running state record.
type StateExecutionUpdate struct {
	Status       *schema.StateStatus `json:"status,omitempty"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Error        *string             `json:"error,omitempty"`
	ErrorCode    *string             `json:"error_code,omitempty"`
	RetryCount   *int                `json:"retry_count,omitempty"`
	InvocationID *string             `json:"invocation_id,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	State       string     `json:"state,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func ptr[T any](v T) *T { return &v }
