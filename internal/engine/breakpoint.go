package engine

import (
	"context"
	"sync"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// command is a breakpoint change delivered to a live driver.
type command struct {
	state   string
	enabled bool
	remove  bool
}

// mailbox queues commands for a driver. The driver drains it at every
// root state boundary, so its breakpoint set needs no lock.
type mailbox struct {
	mu      sync.Mutex
	pending []command
}

func (m *mailbox) post(cmd command) {
	m.mu.Lock()
	m.pending = append(m.pending, cmd)
	m.mu.Unlock()
}

func (m *mailbox) drain() []command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := m.pending
	m.pending = nil
	return cmds
}

func (r *run) applyCommands(cmds []command) {
	for _, cmd := range cmds {
		if cmd.remove || !cmd.enabled {
			delete(r.breakpoints, cmd.state)
			continue
		}
		r.breakpoints[cmd.state] = true
	}
}

// SetBreakpoint pauses the execution before stateName is entered. Only
// top-level states can carry breakpoints. Setting one on a live execution
// takes effect at its next state boundary.
func (e *Engine) SetBreakpoint(ctx context.Context, executionID, stateName string) (*store.Breakpoint, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is %s", executionID, exec.Status)
	}
	if _, ok := exec.Definition.States[stateName]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStateNotFound,
			"state %q is not a top-level state of the workflow", stateName).WithState(stateName)
	}

	bp := &store.Breakpoint{ExecutionID: executionID, BeforeState: stateName, Enabled: true}
	if err := e.store.UpsertBreakpoint(ctx, bp); err != nil {
		return nil, err
	}
	if _, err := e.journal.Record(ctx, executionID, stateName, schema.EventBreakpointSet, map[string]any{"breakpoint_id": bp.ID}); err != nil {
		return nil, err
	}
	e.notify(executionID, command{state: stateName, enabled: true})
	return bp, nil
}

// DeleteBreakpoint removes a breakpoint. It returns NOT_FOUND when none is set.
func (e *Engine) DeleteBreakpoint(ctx context.Context, executionID, stateName string) error {
	if err := e.store.DeleteBreakpoint(ctx, executionID, stateName); err != nil {
		return err
	}
	if _, err := e.journal.Record(ctx, executionID, stateName, schema.EventBreakpointDeleted, nil); err != nil {
		return err
	}
	e.notify(executionID, command{state: stateName, remove: true})
	return nil
}

// ListBreakpoints returns the breakpoints of an execution.
func (e *Engine) ListBreakpoints(ctx context.Context, executionID string) ([]*store.Breakpoint, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListBreakpoints(ctx, executionID)
}

func (e *Engine) notify(executionID string, cmd command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.running[executionID]; ok {
		r.mailbox.post(cmd)
	}
}

// loadBreakpoints reads the enabled breakpoints of an execution.
func (e *Engine) loadBreakpoints(ctx context.Context, executionID string) (map[string]bool, error) {
	bps, err := e.store.ListBreakpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(bps))
	for _, bp := range bps {
		if bp.Enabled {
			set[bp.BeforeState] = true
		}
	}
	return set, nil
}
