// Package invoke is the function invocation layer used by Task states.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// Request is one Task invocation.
type Request struct {
	FunctionID  string          `json:"function_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Heartbeat   time.Duration   `json:"heartbeat,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	State       string          `json:"state,omitempty"`
}

// Result is the successful outcome of an invocation.
type Result struct {
	Output       json.RawMessage `json:"output,omitempty"`
	InvocationID string          `json:"invocation_id"`
	Duration     time.Duration   `json:"duration"`
}

// Invoker runs functions on behalf of Task states. Failures are returned as
// *schema.FlowError with code INVOCATION_ERROR and a matchable kind.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Function is a unit of work callable in-process through a Registry.
type Function interface {
	Name() string
	Description() string
	Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// FuncOf adapts a plain function to the Function interface.
func FuncOf(name, description string, fn func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)) Function {
	return &funcAdapter{name: name, desc: description, fn: fn}
}

type funcAdapter struct {
	name string
	desc string
	fn   func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

func (f *funcAdapter) Name() string        { return f.name }
func (f *funcAdapter) Description() string { return f.desc }
func (f *funcAdapter) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, payload)
}

// FunctionInfo is a summary of a registered function for listing.
type FunctionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Failure builds a function error with a custom kind that retry and catch
// policies can match.
func Failure(kind, cause string) *schema.FlowError {
	if kind == "" {
		kind = schema.KindTaskFailed
	}
	return schema.NewError(schema.ErrCodeInvocation, cause).WithKind(kind)
}

// asInvocationError normalizes any function error. Context errors keep their
// timeout/cancel meaning; everything else becomes INVOCATION_ERROR.
func asInvocationError(ctx context.Context, functionID string, err error) *schema.FlowError {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "function %q timed out", functionID).
				WithKind(schema.KindTimeout).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeCancelled, "function %q cancelled", functionID).WithCause(err)
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeInvocation, schema.ErrCodeTimeout, schema.ErrCodeCancelled:
			return fe
		}
		return &schema.FlowError{
			Code:    schema.ErrCodeInvocation,
			Kind:    fe.Kind,
			Message: fe.Message,
			Details: fe.Details,
			Cause:   fe,
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvocation, "function %q: %s", functionID, err.Error()).
		WithKind(schema.KindTaskFailed).WithCause(err)
}

// --- Heartbeats ---

type heartbeatKey struct{}

// WithHeartbeat returns a context whose Heartbeat calls invoke beat.
func WithHeartbeat(ctx context.Context, beat func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, beat)
}

// Heartbeat signals liveness from a long-running function. It is a no-op
// when the caller installed no heartbeat watchdog.
func Heartbeat(ctx context.Context) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func()); ok && beat != nil {
		beat()
	}
}
