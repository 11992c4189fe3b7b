package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// mockRecorder records emitted events for assertions.
type mockRecorder struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockRecorder) Record(_ context.Context, executionID, state, eventType string, _ any) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &store.Event{ExecutionID: executionID, State: state, Type: eventType, Sequence: int64(len(m.events) + 1)}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *mockRecorder) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// failRecorder always returns an error.
type failRecorder struct{}

func (failRecorder) Record(context.Context, string, string, string, any) (*store.Event, error) {
	return nil, errors.New("store unavailable")
}

// --- ExecutionFSM ---

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewExecutionFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, schema.ExecutionPaused, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionPaused, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, schema.ExecutionSucceeded, nil))

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionPaused,
		schema.EventExecutionResumed,
		schema.EventExecutionSucceeded,
	}, rec.Types())
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewExecutionFSM(rec)

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionSucceeded, nil)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Contains(t, fe.Message, "pending")
	assert.Contains(t, fe.Message, "succeeded")
	assert.Empty(t, rec.Types())
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewExecutionFSM(&mockRecorder{})
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionSucceeded,
		schema.ExecutionFailed,
		schema.ExecutionTimedOut,
		schema.ExecutionCancelled,
	} {
		err := fsm.Transition(context.Background(), "exec-1", terminal, schema.ExecutionRunning, nil)
		assert.Error(t, err, "should not leave terminal status %s", terminal)
	}
}

func TestExecutionFSM_PausedExits(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewExecutionFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "a", schema.ExecutionPaused, schema.ExecutionCancelled, nil))
	require.NoError(t, fsm.Transition(ctx, "b", schema.ExecutionPaused, schema.ExecutionTimedOut, nil))
	assert.Error(t, fsm.Transition(ctx, "c", schema.ExecutionPaused, schema.ExecutionSucceeded, nil))
	assert.Equal(t, []string{schema.EventExecutionCancelled, schema.EventExecutionTimedOut}, rec.Types())
}

func TestExecutionFSM_EventEmitFailure(t *testing.T) {
	fsm := NewExecutionFSM(failRecorder{})
	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewExecutionFSM(rec)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to string) error {
		assert.Equal(t, "running", from)
		assert.Equal(t, "failed", to)
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, func(string, string) error {
		order = append(order, "after")
		assert.Len(t, rec.Types(), 1, "event is emitted before after hooks")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, schema.ExecutionFailed, nil))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestExecutionFSM_BeforeHookError(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewExecutionFSM(rec)
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(string, string) error {
		return errors.New("hook failed")
	})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	assert.Empty(t, rec.Types())
}

// --- StateFSM ---

func TestStateFSM_Lifecycle(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewStateFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", "A", schema.StatePending, schema.StateRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "A", schema.StateRunning, schema.StateSucceeded, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "B", schema.StatePending, schema.StateSkipped, nil))

	assert.Equal(t, []string{schema.EventStateEntered, schema.EventStateSucceeded, schema.EventStateSkipped}, rec.Types())
	assert.Equal(t, "A", rec.events[0].State)
}

func TestStateFSM_InvalidTransition(t *testing.T) {
	fsm := NewStateFSM(&mockRecorder{})
	err := fsm.Transition(context.Background(), "exec-1", "A", schema.StateSucceeded, schema.StateRunning, nil)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Equal(t, "A", fe.State)
}

func TestStateFSM_Hooks(t *testing.T) {
	fsm := NewStateFSM(&mockRecorder{})
	var calls int
	fsm.OnAfter(schema.StateRunning, schema.StateFailed, func(string, string) error {
		calls++
		return nil
	})
	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, "e", "A", schema.StateRunning, schema.StateFailed, nil))
	require.NoError(t, fsm.Transition(ctx, "e", "A", schema.StateRunning, schema.StateSucceeded, nil))
	assert.Equal(t, 1, calls)
}

func TestStateFSM_ConcurrentTransitions(t *testing.T) {
	rec := &mockRecorder{}
	fsm := NewStateFSM(rec)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(context.Background(), "exec", "S", schema.StatePending, schema.StateRunning, nil)
		}()
	}
	wg.Wait()
	assert.Len(t, rec.Types(), 50)
}

func TestTransitionTables_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionPaused,
		schema.ExecutionSucceeded, schema.ExecutionFailed, schema.ExecutionTimedOut, schema.ExecutionCancelled,
	} {
		_, ok := ValidExecutionTransitions[s]
		assert.True(t, ok, "execution status %s missing", s)
		if s.IsTerminal() {
			assert.Empty(t, ValidExecutionTransitions[s])
		}
	}
	for _, s := range []schema.StateStatus{
		schema.StatePending, schema.StateRunning, schema.StateSucceeded, schema.StateFailed, schema.StateSkipped,
	} {
		_, ok := ValidStateTransitions[s]
		assert.True(t, ok, "state status %s missing", s)
	}
}
