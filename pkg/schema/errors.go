package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStateNotFound     = "STATE_NOT_FOUND"
	ErrCodeChoiceNoMatch     = "CHOICE_NO_MATCH"
	ErrCodeInvocation        = "INVOCATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeDataPath          = "DATA_PATH_ERROR"
	ErrCodeFailState         = "FAILED_STATE"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// Error kinds matched against retry and catch error_equals lists.
// Fail states and invocations may also report arbitrary custom kinds.
const (
	KindAll                    = "States.ALL"
	KindTimeout                = "States.Timeout"
	KindHeartbeatTimeout       = "States.HeartbeatTimeout"
	KindTaskFailed             = "States.TaskFailed"
	KindBranchFailed           = "States.BranchFailed"
	KindNoChoiceMatched        = "States.NoChoiceMatched"
	KindParameterPathFailure   = "States.ParameterPathFailure"
	KindResultPathMatchFailure = "States.ResultPathMatchFailure"
	KindCancelled              = "States.Cancelled"
	KindRuntime                = "States.Runtime"
)

// FlowError is the structured error type for all stateflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	State   string         `json:"state,omitempty"`
	Branch  *int           `json:"branch,omitempty"` // set when the error surfaced from a Parallel branch
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches the name of the state that raised the error.
func (e *FlowError) WithState(name string) *FlowError {
	e.State = name
	return e
}

// WithKind sets the matchable error kind.
func (e *FlowError) WithKind(kind string) *FlowError {
	e.Kind = kind
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorKind returns the kind used for retry/catch matching, deriving one
// from the code when none was set explicitly.
func (e *FlowError) ErrorKind() string {
	if e.Kind != "" {
		return e.Kind
	}
	switch e.Code {
	case ErrCodeTimeout:
		return KindTimeout
	case ErrCodeInvocation:
		return KindTaskFailed
	case ErrCodeChoiceNoMatch:
		return KindNoChoiceMatched
	case ErrCodeCancelled:
		return KindCancelled
	default:
		return KindRuntime
	}
}

// Matches reports whether an error_equals entry selects this error.
// Branch failures also match States.BranchFailed.
func (e *FlowError) Matches(name string) bool {
	if name == KindAll || name == e.ErrorKind() {
		return true
	}
	return name == KindBranchFailed && e.Branch != nil
}

// Catchable reports whether catch policies may handle the error.
// Cancellation, validation and dangling-reference errors never are.
func (e *FlowError) Catchable() bool {
	switch e.Code {
	case ErrCodeCancelled, ErrCodeValidation, ErrCodeStateNotFound, ErrCodeInterrupted:
		return false
	}
	return true
}

// Retryable reports whether retry policies may handle the error. A failed
// choice is deterministic and never retried at the Choice itself; a branch
// failure is retryable at its Parallel state whatever the branch failed on.
func (e *FlowError) Retryable() bool {
	if !e.Catchable() {
		return false
	}
	return e.Branch != nil || e.Code != ErrCodeChoiceNoMatch
}

// ErrorOutput is the payload merged into the data at a catch result_path.
func (e *FlowError) ErrorOutput() map[string]any {
	return map[string]any{
		"error": e.ErrorKind(),
		"cause": e.Message,
	}
}

// BranchFailure wraps a branch error so the enclosing Parallel state reports
// it with the branch index while preserving code and kind.
func BranchFailure(index int, err *FlowError) *FlowError {
	idx := index
	details := map[string]any{"branch": index}
	for k, v := range err.Details {
		details[k] = v
	}
	return &FlowError{
		Code:    err.Code,
		Kind:    err.ErrorKind(),
		Message: fmt.Sprintf("branch %d: %s", index, err.Message),
		Details: details,
		State:   err.State,
		Branch:  &idx,
		Cause:   err,
	}
}

// AsFlowError converts any error into a FlowError. Errors that are not
// already FlowErrors are wrapped with the given fallback code.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// CodeOf returns the FlowError code of err, or "" when err carries none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
