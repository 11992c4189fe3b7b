// Package engine runs workflow executions: it drives state graphs on a
// bounded worker pool, applies retry and catch policies, coordinates
// Parallel branches and pauses executions at breakpoints.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stateflow/internal/choice"
	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/invoke"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
	"github.com/rendis/stateflow/internal/validation"
	"github.com/rendis/stateflow/pkg/schema"
)

// Config tunes an Engine.
type Config struct {
	// PoolSize bounds the executions driven at once. Paused executions do
	// not hold a slot.
	PoolSize int
	// DefaultTimeout applies to workflows without timeout_sec. Zero means
	// no execution deadline.
	DefaultTimeout time.Duration
	// CancelGracePeriod is how long a failed Parallel waits for its
	// remaining branches to honor cancellation.
	CancelGracePeriod time.Duration
	// BackoffCountsTowardTimeout keeps retry backoff inside the execution
	// deadline. When false each backoff delay extends the deadline.
	BackoffCountsTowardTimeout bool
	// Sleep waits out retry backoff and Wait states.
	Sleep Sleeper

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
	Hub     streaming.EventHub
}

// DefaultConfig returns the configuration used by the CLI defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:                   16,
		DefaultTimeout:             time.Hour,
		CancelGracePeriod:          5 * time.Second,
		BackoffCountsTowardTimeout: true,
	}
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = WaitForBackoff
	}
	if c.Tracer == nil {
		c.Tracer = defaultTracer()
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

// Engine is the control surface over workflows and their executions.
type Engine struct {
	store     store.Store
	events    *store.EventLog
	journal   *journal
	execFSM   *ExecutionFSM
	ctl       *controller
	validator *validation.WorkflowValidator
	pool      *WorkerPool
	hub       streaming.EventHub
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*run
	closed  bool
}

// New builds an Engine over s, invoking Task functions through inv.
func New(s store.Store, inv invoke.Invoker, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	conditions, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(conditions)
	if err != nil {
		return nil, err
	}

	events := store.NewEventLog(s)
	j := newJournal(events, cfg.Hub, cfg.Logger)
	execFSM := NewExecutionFSM(j)
	cfg.Metrics.attach(execFSM)

	e := &Engine{
		store:     s,
		events:    events,
		journal:   j,
		execFSM:   execFSM,
		validator: validator,
		hub:       cfg.Hub,
		cfg:       cfg,
		logger:    cfg.Logger,
		running:   make(map[string]*run),
	}
	e.ctl = &controller{
		store:         s,
		journal:       j,
		states:        NewStateFSM(j),
		invoker:       inv,
		choices:       choice.NewEvaluator(conditions),
		sleep:         cfg.Sleep,
		grace:         cfg.CancelGracePeriod,
		backoffCounts: cfg.BackoffCountsTowardTimeout,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger,
	}
	e.pool = NewWorkerPool(cfg.PoolSize, WithPanicHandler(func(v any) {
		e.logger.Error("execution driver panicked", "panic", v)
	}))
	return e, nil
}

// --- Workflows ---

// WorkflowSpec describes a workflow to create.
type WorkflowSpec struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	TimeoutSec  int                       `json:"timeout_sec,omitempty"`
}

// Validate checks a definition without storing it.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

// ValidateDocument parses and checks a JSON or YAML definition document.
func (e *Engine) ValidateDocument(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	return e.validator.ValidateDocument(data)
}

// CreateWorkflow validates and stores a new workflow at version 1.
func (e *Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (*store.Workflow, error) {
	if spec.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if spec.TimeoutSec < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "timeout_sec must not be negative")
	}
	if err := e.validator.Validate(&spec.Definition).ToError(); err != nil {
		return nil, err
	}
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Version:     1,
		Status:      schema.WorkflowActive,
		Definition:  spec.Definition,
		TimeoutSec:  spec.TimeoutSec,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.logger.InfoContext(logging.WithWorkflowID(ctx, wf.ID), "workflow created", "name", wf.Name)
	return wf, nil
}

// GetWorkflow resolves a workflow by ID, falling back to its name.
func (e *Engine) GetWorkflow(ctx context.Context, ref string) (*store.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, ref)
	if err == nil {
		return wf, nil
	}
	if schema.CodeOf(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	return e.store.GetWorkflowByName(ctx, ref)
}

// UpdateWorkflow applies update. A new definition is validated and bumps the
// version; running executions keep their snapshot.
func (e *Engine) UpdateWorkflow(ctx context.Context, ref string, update store.WorkflowUpdate) (*store.Workflow, error) {
	wf, err := e.GetWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	if update.Definition != nil {
		if err := e.validator.Validate(update.Definition).ToError(); err != nil {
			return nil, err
		}
	}
	if update.TimeoutSec != nil && *update.TimeoutSec < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "timeout_sec must not be negative")
	}
	return e.store.UpdateWorkflow(ctx, wf.ID, update)
}

// DeleteWorkflow removes a workflow. Existing executions keep their snapshot.
func (e *Engine) DeleteWorkflow(ctx context.Context, ref string) error {
	wf, err := e.GetWorkflow(ctx, ref)
	if err != nil {
		return err
	}
	return e.store.DeleteWorkflow(ctx, wf.ID)
}

// ListWorkflows lists stored workflows.
func (e *Engine) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// --- Executions ---

// StartOptions tunes StartExecution.
type StartOptions struct {
	// Breakpoints are registered before the execution is scheduled, so the
	// first state can already pause.
	Breakpoints []string
}

// ExecutionDetail is an execution with its state history and breakpoints.
type ExecutionDetail struct {
	Execution   *store.WorkflowExecution `json:"execution"`
	States      []*store.StateExecution  `json:"states"`
	Breakpoints []*store.Breakpoint      `json:"breakpoints"`
}

// StartExecution creates an execution of the referenced workflow and
// schedules it. The returned execution is still pending.
func (e *Engine) StartExecution(ctx context.Context, workflowRef string, input json.RawMessage, opts StartOptions) (*store.WorkflowExecution, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errEngineClosed
	}
	wf, err := e.GetWorkflow(ctx, workflowRef)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "workflow %q is %s", wf.Name, wf.Status)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	start, err := fromJSON(input)
	if err != nil {
		return nil, err
	}
	for _, name := range opts.Breakpoints {
		if _, ok := wf.Definition.States[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStateNotFound,
				"breakpoint state %q is not a top-level state of the workflow", name).WithState(name)
		}
	}
	g, err := compileGraph(&wf.Definition)
	if err != nil {
		return nil, err
	}

	exec := &store.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Definition:      wf.Definition,
		Status:          schema.ExecutionPending,
		Input:           input,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	for _, name := range opts.Breakpoints {
		if err := e.store.UpsertBreakpoint(ctx, &store.Breakpoint{ExecutionID: exec.ID, BeforeState: name, Enabled: true}); err != nil {
			return nil, err
		}
	}

	budget := e.cfg.DefaultTimeout
	if wf.TimeoutSec > 0 {
		budget = seconds(wf.TimeoutSec)
	} else if exec.Definition.TimeoutSec > 0 {
		budget = seconds(exec.Definition.TimeoutSec)
	}
	if err := e.launch(exec, g, launchSpec{state: g.startAt, input: start, budget: budget}); err != nil {
		e.abandon(context.WithoutCancel(ctx), exec, err)
		return nil, err
	}
	return exec, nil
}

// StopExecution cancels a pending, running or paused execution. A running
// execution is interrupted at its current state and finalized as cancelled
// before StopExecution returns.
func (e *Engine) StopExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, live := e.running[executionID]
	if live {
		// Cancel under the lock so finish cannot persist a pause after it.
		r.cancel(errStopped)
		e.mu.Unlock()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer e.mu.Unlock()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is %s", executionID, exec.Status)
	}
	dctx := context.WithoutCancel(ctx)
	if err := e.execFSM.Transition(dctx, executionID, schema.ExecutionPaused, schema.ExecutionCancelled, map[string]any{"state": exec.PausedAtState}); err != nil {
		return err
	}
	now := time.Now().UTC()
	fe := schema.NewError(schema.ErrCodeCancelled, errStopped.Error()).WithKind(schema.KindCancelled)
	return e.store.UpdateExecution(dctx, executionID, store.ExecutionUpdate{
		Status:      ptr(schema.ExecutionCancelled),
		Error:       ptr(describe(fe)),
		ErrorCode:   ptr(fe.Code),
		CompletedAt: &now,
	})
}

// GetExecution returns an execution with its history and breakpoints.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListStateExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	bps, err := e.store.ListBreakpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, States: states, Breakpoints: bps}, nil
}

// ListExecutions lists executions matching filter.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Wait blocks until the execution is no longer driven (terminal or
// paused) and returns its stored row.
func (e *Engine) Wait(ctx context.Context, executionID string) (*store.WorkflowExecution, error) {
	e.mu.Lock()
	r, live := e.running[executionID]
	e.mu.Unlock()
	if live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, executionID)
}

// IsPaused reports whether the execution is paused at a breakpoint.
func (e *Engine) IsPaused(ctx context.Context, executionID string) (bool, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return exec.Status == schema.ExecutionPaused, nil
}

// Resume continues a paused execution at the state it paused before. A
// non-empty replacement is used instead of the paused input. The
// breakpoint on that state is not re-checked on entry.
func (e *Engine) Resume(ctx context.Context, executionID string, replacement json.RawMessage) (*store.WorkflowExecution, error) {
	var input any
	replaced := len(replacement) > 0
	if replaced {
		v, err := fromJSON(replacement)
		if err != nil {
			return nil, err
		}
		input = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	if _, live := e.running[executionID]; live {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is not paused", executionID)
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is %s, not paused", executionID, exec.Status)
	}
	if !replaced {
		if input, err = fromJSON(exec.PausedInput); err != nil {
			return nil, err
		}
	}
	g, err := compileGraph(&exec.Definition)
	if err != nil {
		return nil, err
	}

	dctx := context.WithoutCancel(ctx)
	var budget time.Duration
	if exec.TimeoutAt != nil && exec.PausedAt != nil {
		budget = exec.TimeoutAt.Sub(*exec.PausedAt)
		if budget <= 0 {
			if err := e.expirePaused(dctx, exec); err != nil {
				return nil, err
			}
			return e.store.GetExecution(dctx, executionID)
		}
	}

	if err := e.execFSM.Transition(dctx, executionID, schema.ExecutionPaused, schema.ExecutionRunning, map[string]any{
		"state":    exec.PausedAtState,
		"replaced": replaced,
	}); err != nil {
		return nil, err
	}
	upd := store.ExecutionUpdate{Status: ptr(schema.ExecutionRunning), ClearPause: true}
	var timeoutAt time.Time
	if budget > 0 {
		timeoutAt = time.Now().UTC().Add(budget)
		upd.TimeoutAt = &timeoutAt
	}
	if err := e.store.UpdateExecution(dctx, executionID, upd); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionRunning

	e.launchLocked(exec, g, launchSpec{
		state:     exec.PausedAtState,
		input:     input,
		timeoutAt: timeoutAt,
		resumed:   true,
		skipFirst: true,
	})
	return e.store.GetExecution(dctx, executionID)
}

func (e *Engine) expirePaused(ctx context.Context, exec *store.WorkflowExecution) error {
	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionPaused, schema.ExecutionTimedOut, map[string]any{"state": exec.PausedAtState}); err != nil {
		return err
	}
	now := time.Now().UTC()
	fe := schema.NewError(schema.ErrCodeTimeout, errDeadline.Error()).WithKind(schema.KindTimeout)
	return e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      ptr(schema.ExecutionTimedOut),
		Error:       ptr(describe(fe)),
		ErrorCode:   ptr(fe.Code),
		CompletedAt: &now,
	})
}

// RecoverInterrupted fails executions left pending or running by a
// previous process. Paused executions stay resumable. It must run before
// the engine starts new executions.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionPending} {
		execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: ptr(status)})
		if err != nil {
			return recovered, err
		}
		for _, exec := range execs {
			e.mu.Lock()
			_, live := e.running[exec.ID]
			e.mu.Unlock()
			if live {
				continue
			}
			if err := e.markInterrupted(ctx, exec); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.WarnContext(ctx, "recovered interrupted executions", "count", recovered)
	}
	return recovered, nil
}

func (e *Engine) markInterrupted(ctx context.Context, exec *store.WorkflowExecution) error {
	fe := schema.NewError(schema.ErrCodeInterrupted, "interrupted by engine restart")
	records, err := e.store.ListStateExecutions(ctx, exec.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if rec.Status != schema.StateRunning {
			continue
		}
		if err := e.store.UpdateStateExecution(ctx, rec.ID, store.StateExecutionUpdate{
			Status:      ptr(schema.StateFailed),
			Error:       ptr(fe.Message),
			ErrorCode:   ptr(fe.Code),
			CompletedAt: &now,
		}); err != nil {
			return err
		}
	}
	if _, err := e.journal.Record(ctx, exec.ID, exec.CurrentState, schema.EventExecutionInterrupted, fe); err != nil {
		return err
	}
	return e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      ptr(schema.ExecutionFailed),
		Error:       ptr(describe(fe)),
		ErrorCode:   ptr(fe.Code),
		CompletedAt: &now,
	})
}

// Subscribe streams the events of one execution as they are recorded.
// Events recorded before the call are read with Events.
func (e *Engine) Subscribe(ctx context.Context, executionID string) (<-chan streaming.StreamEvent, func(), error) {
	if e.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeInvalidState, "event streaming is not configured")
	}
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, nil, err
	}
	return e.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
}

// Events returns the recorded events with a sequence greater than since.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return e.events.GetEvents(ctx, executionID, since)
}

// Replay reconstructs per-state status from the event log.
func (e *Engine) Replay(ctx context.Context, executionID string) (map[string]*store.StateReplay, error) {
	return e.events.ReplayEvents(ctx, executionID)
}

// PoolMetrics returns a snapshot of the driver pool.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown interrupts every live execution and waits for the drivers to
// finalize them, or until ctx is done. Interrupted executions end failed
// with INTERRUPTED.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.running))
	for _, r := range e.running {
		r.cancel(errShutdown)
		runs = append(runs, r)
	}
	e.mu.Unlock()

	if !e.pool.Shutdown(ctx) {
		return ctx.Err()
	}
	// Runs still queued for a worker settle outside the pool.
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
