package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// launchSpec says where a driver run starts.
type launchSpec struct {
	state string
	input any
	// budget is the whole-execution timeout of a fresh start; the deadline
	// is armed when the execution leaves pending.
	budget time.Duration
	// timeoutAt is the carried-over deadline of a resumed execution.
	timeoutAt time.Time
	resumed   bool
	skipFirst bool
}

func (e *Engine) launch(exec *store.WorkflowExecution, g *graph, spec launchSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	e.launchLocked(exec, g, spec)
	return nil
}

// launchLocked registers a run and queues it on the pool. The caller holds e.mu.
func (e *Engine) launchLocked(exec *store.WorkflowExecution, g *graph, spec launchSpec) {
	ctx, cancel := context.WithCancelCause(context.Background())
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID)
	r := &run{
		id:           exec.ID,
		workflowID:   exec.WorkflowID,
		workflowName: exec.WorkflowName,
		graph:        g,
		ctx:          ctx,
		cancel:       cancel,
		mailbox:      &mailbox{},
		breakpoints:  map[string]bool{},
		deadline:     newDeadline(time.Time{}, nil),
		status:       exec.Status,
		done:         make(chan struct{}),
	}
	e.running[exec.ID] = r

	go func() {
		err := e.pool.Submit(ctx, func() error { return e.drive(r, spec) })
		if err == nil {
			return
		}
		fe := interruption(ctx)
		if fe == nil {
			fe = schema.NewError(schema.ErrCodeInterrupted, errShutdown.Error()).WithCause(err)
		}
		e.finish(r, nil, nil, fe)
	}()
}

// abandon fails an execution that was created but could not be scheduled.
func (e *Engine) abandon(ctx context.Context, exec *store.WorkflowExecution, cause error) {
	fe := schema.AsFlowError(cause, schema.ErrCodeInterrupted)
	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionFailed, fe); err != nil {
		e.logger.WarnContext(ctx, "emit abandoned execution", "execution_id", exec.ID, "error", err)
	}
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      ptr(schema.ExecutionFailed),
		Error:       ptr(describe(fe)),
		ErrorCode:   ptr(fe.Code),
		CompletedAt: &now,
	}); err != nil {
		e.logger.WarnContext(ctx, "fail abandoned execution", "execution_id", exec.ID, "error", err)
	}
}

// drive runs one execution on a pool worker until it pauses or ends.
func (e *Engine) drive(r *run, spec launchSpec) error {
	ctx, span := startDriverSpan(r.ctx, e.ctl.tracer, r.id, r.workflowName, spec.state, spec.resumed)
	e.cfg.Metrics.driverStarted()
	// done ends the span before the outcome becomes visible to waiters.
	done := func(out any, pause *pausePoint, err error) error {
		endSpan(span, err)
		e.cfg.Metrics.driverStopped()
		e.finish(r, out, pause, err)
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			done(nil, nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution driver panicked: %v", p))
			panic(p)
		}
	}()
	dctx := context.WithoutCancel(ctx)

	if fe := interruption(ctx); fe != nil {
		return done(nil, nil, fe)
	}

	at := spec.timeoutAt
	if r.status == schema.ExecutionPending {
		now := time.Now().UTC()
		upd := store.ExecutionUpdate{Status: ptr(schema.ExecutionRunning), StartedAt: &now}
		if spec.budget > 0 {
			at = now.Add(spec.budget)
			upd.TimeoutAt = &at
		}
		if err := e.execFSM.Transition(dctx, r.id, schema.ExecutionPending, schema.ExecutionRunning, map[string]any{"start_at": spec.state}); err != nil {
			return done(nil, nil, err)
		}
		if err := e.store.UpdateExecution(dctx, r.id, upd); err != nil {
			return done(nil, nil, err)
		}
		r.status = schema.ExecutionRunning
	}
	r.deadline = newDeadline(at, func() { r.cancel(errDeadline) })
	defer r.deadline.stop()

	bps, err := e.loadBreakpoints(dctx, r.id)
	if err != nil {
		return done(nil, nil, err)
	}
	r.breakpoints = bps

	e.logger.InfoContext(ctx, "execution driver started", "state", spec.state, "resumed", spec.resumed)
	return done(e.ctl.runScope(ctx, r, rootScope{r}, r.graph, spec.state, spec.input, spec.skipFirst))
}

// finish settles the outcome of a driver run exactly once and releases
// the run. All writes ignore the run's cancellation.
func (e *Engine) finish(r *run, out any, pause *pausePoint, runErr error) {
	r.finishOnce.Do(func() {
		ctx := context.WithoutCancel(r.ctx)
		e.mu.Lock()
		defer e.mu.Unlock()
		defer func() {
			delete(e.running, r.id)
			r.cancel(nil)
			close(r.done)
		}()

		var err error
		switch {
		case pause != nil && r.ctx.Err() == nil:
			err = e.pause(ctx, r, pause)
		case pause != nil:
			// Stopped or timed out at the boundary of a breakpoint.
			err = e.settle(ctx, r, nil, interruption(r.ctx))
		default:
			err = e.settle(ctx, r, out, runErr)
		}
		if err != nil {
			e.logger.ErrorContext(ctx, "finalize execution", "error", err)
		}
	})
}

func (e *Engine) pause(ctx context.Context, r *run, p *pausePoint) error {
	input, err := toJSON(p.input)
	if err != nil {
		return e.settle(ctx, r, nil, err)
	}
	if _, err := e.journal.Record(ctx, r.id, p.state, schema.EventBreakpointHit, map[string]any{"state": p.state}); err != nil {
		return err
	}
	e.cfg.Metrics.breakpointHit()
	if err := e.execFSM.Transition(ctx, r.id, r.status, schema.ExecutionPaused, map[string]any{"state": p.state}); err != nil {
		return err
	}
	now := time.Now().UTC()
	upd := store.ExecutionUpdate{
		Status:        ptr(schema.ExecutionPaused),
		CurrentState:  &p.state,
		PausedAtState: &p.state,
		PausedInput:   input,
		PausedAt:      &now,
	}
	if at := r.deadline.At(); !at.IsZero() {
		upd.TimeoutAt = &at
	}
	if err := e.store.UpdateExecution(ctx, r.id, upd); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution paused at breakpoint", "state", p.state)
	return nil
}

// settle moves the execution to its terminal status. A run cut short by
// its context takes the status of the cancellation cause.
func (e *Engine) settle(ctx context.Context, r *run, out any, runErr error) error {
	now := time.Now().UTC()
	if runErr == nil {
		output, err := toJSON(out)
		if err != nil {
			return e.settle(ctx, r, nil, err)
		}
		if err := e.execFSM.Transition(ctx, r.id, r.status, schema.ExecutionSucceeded, output); err != nil {
			e.logger.WarnContext(ctx, "emit execution success", "error", err)
		}
		e.logger.InfoContext(ctx, "execution succeeded")
		return e.store.UpdateExecution(ctx, r.id, store.ExecutionUpdate{
			Status:      ptr(schema.ExecutionSucceeded),
			Output:      output,
			CompletedAt: &now,
		})
	}

	fe := schema.AsFlowError(runErr, schema.ErrCodeStore)
	status := schema.ExecutionFailed
	if r.ctx.Err() != nil {
		switch cause := context.Cause(r.ctx); {
		case errors.Is(cause, errDeadline):
			status = schema.ExecutionTimedOut
		case errors.Is(cause, errStopped):
			status = schema.ExecutionCancelled
		}
	}
	if status == schema.ExecutionTimedOut && r.status == schema.ExecutionPending {
		status = schema.ExecutionCancelled
	}

	if err := e.execFSM.Transition(ctx, r.id, r.status, status, fe); err != nil {
		e.logger.WarnContext(ctx, "emit execution failure", "error", err)
	}
	e.logger.WarnContext(ctx, "execution ended", "status", status, "code", fe.Code, "error", fe.Message)
	return e.store.UpdateExecution(ctx, r.id, store.ExecutionUpdate{
		Status:      &status,
		Error:       ptr(describe(fe)),
		ErrorCode:   ptr(fe.Code),
		CompletedAt: &now,
	})
}
