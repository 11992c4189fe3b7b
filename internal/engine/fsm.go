package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to string) error

// EventRecorder is satisfied by store.EventLog and the engine journal; FSMs
// use it to emit an event for every transition.
type EventRecorder interface {
	Record(ctx context.Context, executionID, state, eventType string, payload any) (*store.Event, error)
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given recorder.
func NewExecutionFSM(recorder EventRecorder) *ExecutionFSM {
	return &ExecutionFSM{
		recorder: recorder,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates an execution transition and emits its event.
// The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := executionEventType(from, to)
	if eventType != "" {
		if _, err := f.recorder.Record(ctx, executionID, "", eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionSucceeded:
		return schema.EventExecutionSucceeded
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionTimedOut:
		return schema.EventExecutionTimedOut
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	default:
		return ""
	}
}

// --- State FSM ---

type stateHookKey struct {
	from, to schema.StateStatus
}

// StateFSM manages the lifecycle of StateExecution records.
type StateFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[stateHookKey][]TransitionHook
	after    map[stateHookKey][]TransitionHook
}

// NewStateFSM creates a StateFSM that emits events via the given recorder.
func NewStateFSM(recorder EventRecorder) *StateFSM {
	return &StateFSM{
		recorder: recorder,
		before:   make(map[stateHookKey][]TransitionHook),
		after:    make(map[stateHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a state transition.
func (f *StateFSM) OnBefore(from, to schema.StateStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a state transition.
func (f *StateFSM) OnAfter(from, to schema.StateStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a state record transition and emits its event.
func (f *StateFSM) Transition(ctx context.Context, executionID, state string, from, to schema.StateStatus, payload any) error {
	if !isValidStateTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid state transition: %s -> %s", from, to).
			WithState(state).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := stateHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stateEventType(to); eventType != "" {
		if _, err := f.recorder.Record(ctx, executionID, state, eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit state event: %s", err.Error()).
				WithState(state).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidStateTransition(from, to schema.StateStatus) bool {
	return slices.Contains(ValidStateTransitions[from], to)
}

func stateEventType(to schema.StateStatus) string {
	switch to {
	case schema.StateRunning:
		return schema.EventStateEntered
	case schema.StateSucceeded:
		return schema.EventStateSucceeded
	case schema.StateFailed:
		return schema.EventStateFailed
	case schema.StateSkipped:
		return schema.EventStateSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed execution status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionSucceeded, schema.ExecutionFailed, schema.ExecutionTimedOut, schema.ExecutionCancelled},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionTimedOut, schema.ExecutionFailed},
	schema.ExecutionSucceeded: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionTimedOut:  {},
	schema.ExecutionCancelled: {},
}

// ValidStateTransitions defines the allowed StateExecution status transitions.
// Retries stay in running.
var ValidStateTransitions = map[schema.StateStatus][]schema.StateStatus{
	schema.StatePending:   {schema.StateRunning, schema.StateSkipped},
	schema.StateRunning:   {schema.StateSucceeded, schema.StateFailed},
	schema.StateSucceeded: {},
	schema.StateFailed:    {},
	schema.StateSkipped:   {},
}
