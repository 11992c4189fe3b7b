package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stateflow/internal/choice"
	"github.com/rendis/stateflow/internal/invoke"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// Cancellation causes attached to execution and branch contexts.
var (
	errStopped       = errors.New("execution stopped")
	errDeadline      = errors.New("execution timed out")
	errShutdown      = errors.New("engine shut down")
	errBranchAborted = errors.New("cancelled after a sibling branch failed")
	errHeartbeat     = errors.New("heartbeat timeout")

	errEngineClosed = schema.NewError(schema.ErrCodeInvalidState, "engine is shut down")
)

// interruption maps a done context to the error that ends the scope, or
// returns nil while ctx is live. Interruptions bypass retry and catch.
func interruption(ctx context.Context) *schema.FlowError {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errDeadline):
		return schema.NewError(schema.ErrCodeTimeout, cause.Error()).WithKind(schema.KindTimeout).WithCause(cause)
	case errors.Is(cause, errShutdown):
		return schema.NewError(schema.ErrCodeInterrupted, cause.Error()).WithCause(cause)
	default:
		return schema.NewError(schema.ErrCodeCancelled, cause.Error()).WithKind(schema.KindCancelled).WithCause(cause)
	}
}

// run is the live state of one driver pass over an execution. Everything
// except mailbox, cancel and deadline is owned by the driver goroutine.
type run struct {
	id           string
	workflowID   string
	workflowName string
	graph        *graph

	ctx         context.Context
	cancel      context.CancelCauseFunc
	mailbox     *mailbox
	breakpoints map[string]bool
	deadline    *deadline
	status      schema.ExecutionStatus
	done        chan struct{}
	finishOnce  sync.Once
}

// scope is one state graph being driven: the root execution or a Parallel
// branch.
type scope interface {
	// boundary runs before each state; true pauses the scope before name.
	boundary(name string) bool
	// parent returns the parent record and branch index for new records.
	parent() (string, *int)
	root() bool
}

type rootScope struct{ r *run }

func (s rootScope) boundary(name string) bool {
	s.r.applyCommands(s.r.mailbox.drain())
	return s.r.breakpoints[name]
}

func (rootScope) parent() (string, *int) { return "", nil }
func (rootScope) root() bool             { return true }

type branchScope struct {
	parentID string
	index    int
}

func (branchScope) boundary(string) bool { return false }

func (s branchScope) parent() (string, *int) {
	idx := s.index
	return s.parentID, &idx
}

func (branchScope) root() bool { return false }

// pausePoint is where a root scope stopped at a breakpoint.
type pausePoint struct {
	state string
	input any
}

// controller drives scopes. It holds no per-execution state.
type controller struct {
	store         store.Store
	journal       *journal
	states        *StateFSM
	invoker       invoke.Invoker
	choices       *choice.Evaluator
	sleep         Sleeper
	grace         time.Duration
	backoffCounts bool
	metrics       *Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
}

// runScope walks g from start until a terminal state, a pause or an error.
// skipFirst suppresses the breakpoint check for the first state entered.
func (c *controller) runScope(ctx context.Context, r *run, sc scope, g *graph, start string, input any, skipFirst bool) (any, *pausePoint, error) {
	name, data := start, input
	for first := true; ; first = false {
		hit := sc.boundary(name)
		if r.deadline.expired(time.Now()) {
			r.cancel(errDeadline)
		}
		if fe := interruption(ctx); fe != nil {
			return nil, nil, fe
		}
		if hit && !(first && skipFirst) {
			return nil, &pausePoint{state: name, input: data}, nil
		}

		n, ok := g.states[name]
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeStateNotFound, "state %q not found", name).WithState(name)
		}
		next, out, err := c.visit(ctx, r, sc, n, data)
		if err != nil {
			return nil, nil, err
		}
		if next == "" {
			return out, nil, nil
		}
		name, data = next, out
	}
}

// attemptResult is the outcome of one successful state attempt.
type attemptResult struct {
	next         string
	output       any
	invocationID string
}

// visit enters one state: it opens the record, runs attempts under the
// state's retry policies and settles the record.
func (c *controller) visit(ctx context.Context, r *run, sc scope, n *node, raw any) (next string, out any, err error) {
	ctx = logging.WithState(ctx, n.name)
	parentID, branch := sc.parent()
	ctx, span := startStateSpan(ctx, c.tracer, n, branch)
	defer func() { endSpan(span, err) }()
	dctx := context.WithoutCancel(ctx)

	input, err := toJSON(raw)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	rec := &store.StateExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.id,
		ParentID:    parentID,
		BranchIndex: branch,
		StateName:   n.name,
		StateType:   n.Type,
		Status:      schema.StateRunning,
		Input:       input,
		StartedAt:   &now,
	}
	entered := map[string]any{"record_id": rec.ID, "type": n.Type}
	if branch != nil {
		entered["branch"] = *branch
		entered["parent_id"] = parentID
	}
	if err := c.states.Transition(dctx, r.id, n.name, schema.StatePending, schema.StateRunning, entered); err != nil {
		return "", nil, err
	}
	if err := c.store.CreateStateExecution(dctx, rec); err != nil {
		return "", nil, schema.AsFlowError(err, schema.ErrCodeStore).WithState(n.name)
	}
	if sc.root() {
		if err := c.store.UpdateExecution(dctx, r.id, store.ExecutionUpdate{CurrentState: &n.name}); err != nil {
			c.logger.WarnContext(ctx, "update current state", "error", err)
		}
	}

	retries := 0
	for {
		res, aerr := c.attempt(ctx, r, rec, n, raw)
		if aerr == nil {
			if err := c.succeedRecord(dctx, r, rec, res, retries); err != nil {
				return "", nil, err
			}
			return res.next, res.output, nil
		}

		if fe := interruption(ctx); fe != nil {
			c.failRecord(dctx, r, rec, fe, retries)
			return "", nil, fe
		}
		fe := schema.AsFlowError(aerr, schema.ErrCodeInvocation)
		if fe.State == "" {
			fe.State = n.name
		}

		d := Decide(n.Retry, n.Catch, fe, retries)
		switch d.Action {
		case ActionRetry:
			retries++
			c.recordRetry(dctx, r, rec, fe, retries, d.Delay)
			if !c.backoffCounts {
				r.deadline.extend(d.Delay)
			}
			if err := c.sleep(ctx, d.Delay); err != nil {
				fe := interruption(ctx)
				if fe == nil {
					fe = schema.NewError(schema.ErrCodeCancelled, err.Error()).WithKind(schema.KindCancelled)
				}
				c.failRecord(dctx, r, rec, fe, retries)
				return "", nil, fe
			}

		case ActionCatch:
			c.failRecord(dctx, r, rec, fe, retries)
			if _, err := c.journal.Record(dctx, r.id, n.name, schema.EventStateCaught, map[string]any{
				"record_id": rec.ID,
				"next":      d.Catch.Next,
				"error":     fe.ErrorOutput(),
			}); err != nil {
				return "", nil, schema.AsFlowError(err, schema.ErrCodeStore).WithState(n.name)
			}
			out, err := c.applyCatch(ctx, n, d.Catch, raw, fe)
			if err != nil {
				return "", nil, err
			}
			return d.Catch.Next, out, nil

		default:
			c.failRecord(dctx, r, rec, fe, retries)
			return "", nil, fe
		}
	}
}

func (c *controller) succeedRecord(ctx context.Context, r *run, rec *store.StateExecution, res attemptResult, retries int) error {
	output, err := toJSON(res.output)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	upd := store.StateExecutionUpdate{
		Status:      ptr(schema.StateSucceeded),
		Output:      output,
		RetryCount:  &retries,
		CompletedAt: &now,
	}
	if res.invocationID != "" {
		upd.InvocationID = &res.invocationID
	}
	if err := c.store.UpdateStateExecution(ctx, rec.ID, upd); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStore).WithState(rec.StateName)
	}
	c.metrics.observeState(rec.StateType, schema.StateSucceeded, now.Sub(*rec.StartedAt))
	return c.states.Transition(ctx, r.id, rec.StateName, schema.StateRunning, schema.StateSucceeded, output)
}

// failRecord settles a record as failed. It is best effort: the failure
// being reported matters more than a bookkeeping error.
func (c *controller) failRecord(ctx context.Context, r *run, rec *store.StateExecution, fe *schema.FlowError, retries int) {
	now := time.Now().UTC()
	upd := store.StateExecutionUpdate{
		Status:      ptr(schema.StateFailed),
		Error:       ptr(fe.Message),
		ErrorCode:   ptr(fe.Code),
		RetryCount:  &retries,
		CompletedAt: &now,
	}
	if err := c.store.UpdateStateExecution(ctx, rec.ID, upd); err != nil {
		c.logger.WarnContext(ctx, "settle failed state record", "record_id", rec.ID, "error", err)
		return
	}
	c.metrics.observeState(rec.StateType, schema.StateFailed, now.Sub(*rec.StartedAt))
	if err := c.states.Transition(ctx, r.id, rec.StateName, schema.StateRunning, schema.StateFailed, fe); err != nil {
		c.logger.WarnContext(ctx, "emit state failure", "record_id", rec.ID, "error", err)
	}
}

func (c *controller) recordRetry(ctx context.Context, r *run, rec *store.StateExecution, fe *schema.FlowError, retries int, delay time.Duration) {
	upd := store.StateExecutionUpdate{
		RetryCount: &retries,
		Error:      ptr(fe.Message),
		ErrorCode:  ptr(fe.Code),
	}
	if err := c.store.UpdateStateExecution(ctx, rec.ID, upd); err != nil {
		c.logger.WarnContext(ctx, "record retry", "record_id", rec.ID, "error", err)
	}
	if _, err := c.journal.Record(ctx, r.id, rec.StateName, schema.EventStateRetrying, map[string]any{
		"record_id": rec.ID,
		"attempt":   retries + 1,
		"delay_ms":  delay.Milliseconds(),
		"error":     fe.ErrorOutput(),
	}); err != nil {
		c.logger.WarnContext(ctx, "record retry event", "record_id", rec.ID, "error", err)
	}
	c.metrics.retry(rec.StateType, fe.ErrorKind())
	c.logger.InfoContext(ctx, "retrying state", "attempt", retries+1, "delay", delay, "kind", fe.ErrorKind())
}

// attempt runs a state once, including its data flow.
func (c *controller) attempt(ctx context.Context, r *run, rec *store.StateExecution, n *node, raw any) (attemptResult, error) {
	switch n.Type {
	case schema.StateTask:
		return c.runTask(ctx, r, n, raw)
	case schema.StateChoice:
		return c.runChoice(ctx, r, n, raw)
	case schema.StateWait:
		return c.runWait(ctx, r, n, raw)
	case schema.StateParallel:
		return c.runParallel(ctx, r, rec, n, raw)
	case schema.StatePass:
		return c.runPass(ctx, n, raw)
	case schema.StateSucceed:
		return c.runSucceed(n, raw)
	case schema.StateFail:
		return attemptResult{}, failStateError(n)
	default:
		return attemptResult{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown state type %q", n.Type).WithState(n.name)
	}
}

// --- data flow ---

func selectInput(n *node, raw any) (any, error) {
	v, ok := n.inputPath.Lookup(raw)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataPath, "input_path %s matched nothing", n.inputPath).
			WithKind(schema.KindParameterPathFailure).WithState(n.name)
	}
	return v, nil
}

func selectOutput(n *node, doc any) (any, error) {
	v, ok := n.outputPath.Lookup(doc)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataPath, "output_path %s matched nothing", n.outputPath).
			WithKind(schema.KindResultPathMatchFailure).WithState(n.name)
	}
	return v, nil
}

// shape merges result into raw at result_path and selects the output.
func shape(ctx context.Context, n *node, raw, result any) (any, error) {
	merged, err := n.resultPath.Set(ctx, raw, result)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeDataPath).
			WithKind(schema.KindResultPathMatchFailure).WithState(n.name)
	}
	return selectOutput(n, merged)
}

func (c *controller) applyCatch(ctx context.Context, n *node, cc *schema.CatchConfig, raw any, fe *schema.FlowError) (any, error) {
	p := n.catchPath(cc)
	if p == nil {
		return raw, nil
	}
	out, err := p.Set(ctx, raw, fe.ErrorOutput())
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeDataPath).
			WithKind(schema.KindResultPathMatchFailure).WithState(n.name)
	}
	return out, nil
}

func nextOf(n *node) string {
	if n.End {
		return ""
	}
	return n.Next
}

func toJSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataPath, "encode state data: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

func fromJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return v, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func ptr[T any](v T) *T { return &v }

func describe(fe *schema.FlowError) string {
	return fmt.Sprintf("%s: %s", fe.ErrorKind(), fe.Message)
}
