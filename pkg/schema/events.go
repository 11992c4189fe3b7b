package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted     = "execution_started"
	EventExecutionSucceeded   = "execution_succeeded"
	EventExecutionFailed      = "execution_failed"
	EventExecutionTimedOut    = "execution_timed_out"
	EventExecutionCancelled   = "execution_cancelled"
	EventExecutionPaused      = "execution_paused"
	EventExecutionResumed     = "execution_resumed"
	EventExecutionInterrupted = "execution_interrupted"

	EventStateEntered   = "state_entered"
	EventStateSucceeded = "state_succeeded"
	EventStateFailed    = "state_failed"
	EventStateSkipped   = "state_skipped"
	EventStateRetrying  = "state_retrying"
	EventStateCaught    = "state_caught"

	EventChoiceEvaluated   = "choice_evaluated"
	EventWaitStarted       = "wait_started"
	EventWaitCompleted     = "wait_completed"
	EventParallelStarted   = "parallel_started"
	EventParallelCompleted = "parallel_completed"

	EventBreakpointSet     = "breakpoint_set"
	EventBreakpointDeleted = "breakpoint_deleted"
	EventBreakpointHit     = "breakpoint_hit"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether no further transition is possible.
// Paused is not terminal.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	}
	return false
}

// StateStatus represents the lifecycle state of one state attempt record.
type StateStatus string

const (
	StatePending   StateStatus = "pending"
	StateRunning   StateStatus = "running"
	StateSucceeded StateStatus = "succeeded"
	StateFailed    StateStatus = "failed"
	StateSkipped   StateStatus = "skipped"
)

// IsTerminal reports whether the record is concluded.
func (s StateStatus) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// WorkflowStatus marks whether a workflow accepts new executions.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
)
