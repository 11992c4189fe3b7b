package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rendis/stateflow/internal/invoke"
	"github.com/rendis/stateflow/pkg/schema"
)

func (c *controller) runPass(ctx context.Context, n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	result := effective
	if n.hasResult {
		result = n.result
	}
	out, err := shape(ctx, n, raw, result)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{next: nextOf(n), output: out}, nil
}

func (c *controller) runSucceed(n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	out, err := selectOutput(n, effective)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{output: out}, nil
}

func failStateError(n *node) *schema.FlowError {
	msg := n.Cause
	if msg == "" {
		msg = fmt.Sprintf("execution failed at state %q", n.name)
	}
	kind := n.Error
	if kind == "" {
		kind = schema.KindRuntime
	}
	return schema.NewError(schema.ErrCodeFailState, msg).WithKind(kind).WithState(n.name)
}

func (c *controller) runChoice(ctx context.Context, r *run, n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	sel, err := c.choices.Evaluate(ctx, n.Choices, n.Default, effective)
	if err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeChoiceNoMatch).WithState(n.name)
	}
	if _, err := c.journal.Record(ctx, r.id, n.name, schema.EventChoiceEvaluated, map[string]any{
		"next":       sel.Next,
		"rule_index": sel.Index,
	}); err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	out, err := selectOutput(n, effective)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{next: sel.Next, output: out}, nil
}

func (c *controller) runWait(ctx context.Context, r *run, n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	now := time.Now()
	until, err := waitUntil(n, effective, now)
	if err != nil {
		return attemptResult{}, err
	}
	d := until.Sub(now)
	if d < 0 {
		d = 0
	}
	if _, err := c.journal.Record(ctx, r.id, n.name, schema.EventWaitStarted, map[string]any{
		"until":       until.UTC().Format(time.RFC3339Nano),
		"duration_ms": d.Milliseconds(),
	}); err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if d > 0 {
		if err := c.sleep(ctx, d); err != nil {
			return attemptResult{}, err
		}
	}
	if _, err := c.journal.Record(ctx, r.id, n.name, schema.EventWaitCompleted, nil); err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	out, err := selectOutput(n, effective)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{next: nextOf(n), output: out}, nil
}

// waitUntil resolves the instant a Wait state releases. Exactly one of the
// four duration fields is set on a validated state.
func waitUntil(n *node, input any, now time.Time) (time.Time, error) {
	pathErr := func(field string, p fmt.Stringer, msg string) error {
		return schema.NewErrorf(schema.ErrCodeDataPath, "%s %s %s", field, p, msg).
			WithKind(schema.KindParameterPathFailure).WithState(n.name)
	}
	switch {
	case n.Seconds != nil:
		return now.Add(seconds(*n.Seconds)), nil
	case n.Timestamp != "":
		return parseTimestamp(n, n.Timestamp)
	case n.secondsPath != nil:
		v, ok := n.secondsPath.Lookup(input)
		if !ok {
			return time.Time{}, pathErr("seconds_path", n.secondsPath, "matched nothing")
		}
		secs, ok := v.(float64)
		if !ok {
			if num, isNum := v.(json.Number); isNum {
				f, err := num.Float64()
				secs, ok = f, err == nil
			}
		}
		if !ok || secs < 0 || math.IsNaN(secs) {
			return time.Time{}, pathErr("seconds_path", n.secondsPath, "is not a non-negative number")
		}
		return now.Add(time.Duration(secs * float64(time.Second))), nil
	case n.timestampPath != nil:
		v, ok := n.timestampPath.Lookup(input)
		if !ok {
			return time.Time{}, pathErr("timestamp_path", n.timestampPath, "matched nothing")
		}
		s, ok := v.(string)
		if !ok {
			return time.Time{}, pathErr("timestamp_path", n.timestampPath, "is not a string")
		}
		return parseTimestamp(n, s)
	default:
		return now, nil
	}
}

func parseTimestamp(n *node, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeDataPath, "invalid timestamp %q", s).
			WithKind(schema.KindParameterPathFailure).WithState(n.name).WithCause(err)
	}
	return t, nil
}

func (c *controller) runTask(ctx context.Context, r *run, n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	payload, err := toJSON(effective)
	if err != nil {
		return attemptResult{}, err
	}
	req := invoke.Request{
		FunctionID:  n.FunctionID,
		Payload:     payload,
		Timeout:     seconds(n.TimeoutSec),
		Heartbeat:   seconds(n.HeartbeatSec),
		ExecutionID: r.id,
		State:       n.name,
	}

	callCtx, release := taskContext(ctx, req.Timeout, req.Heartbeat)
	res, err := c.invoker.Invoke(callCtx, req)
	cause, deadlineHit := context.Cause(callCtx), errors.Is(callCtx.Err(), context.DeadlineExceeded)
	release()

	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The visit maps the parent interruption.
			return attemptResult{}, err
		case errors.Is(cause, errHeartbeat):
			return attemptResult{}, schema.NewErrorf(schema.ErrCodeTimeout, "function %q missed its heartbeat (%s)", n.FunctionID, req.Heartbeat).
				WithKind(schema.KindHeartbeatTimeout).WithState(n.name).WithCause(err)
		case deadlineHit:
			return attemptResult{}, schema.NewErrorf(schema.ErrCodeTimeout, "function %q timed out after %s", n.FunctionID, req.Timeout).
				WithKind(schema.KindTimeout).WithState(n.name).WithCause(err)
		}
		fe := schema.AsFlowError(err, schema.ErrCodeInvocation)
		if fe.Code == schema.ErrCodeInvocation && fe.Kind == "" {
			fe.Kind = schema.KindTaskFailed
		}
		return attemptResult{}, fe
	}

	var result any
	if len(res.Output) > 0 {
		if err := json.Unmarshal(res.Output, &result); err != nil {
			return attemptResult{}, schema.NewErrorf(schema.ErrCodeInvocation, "function %q returned invalid JSON", n.FunctionID).
				WithKind(schema.KindTaskFailed).WithState(n.name).WithCause(err)
		}
	}
	out, err := shape(ctx, n, raw, result)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{next: nextOf(n), output: out, invocationID: res.InvocationID}, nil
}

// taskContext bounds one invocation by the task timeout and, when set, a
// heartbeat watchdog that cancels with errHeartbeat unless the function
// calls invoke.Heartbeat at least every interval.
func taskContext(ctx context.Context, timeout, heartbeat time.Duration) (context.Context, func()) {
	callCtx, cancel := context.WithCancelCause(ctx)
	var stopTimeout context.CancelFunc = func() {}
	if timeout > 0 {
		callCtx, stopTimeout = context.WithTimeout(callCtx, timeout)
	}
	if heartbeat <= 0 {
		return callCtx, func() {
			stopTimeout()
			cancel(nil)
		}
	}

	var mu sync.Mutex
	watchdog := time.AfterFunc(heartbeat, func() { cancel(errHeartbeat) })
	callCtx = invoke.WithHeartbeat(callCtx, func() {
		mu.Lock()
		defer mu.Unlock()
		if watchdog.Stop() {
			watchdog.Reset(heartbeat)
		}
	})
	return callCtx, func() {
		mu.Lock()
		watchdog.Stop()
		mu.Unlock()
		stopTimeout()
		cancel(nil)
	}
}
