package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeStateNotFound, "next references unknown state \"X\"").WithState("A")
	assert.Equal(t, `[STATE_NOT_FOUND] state A: next references unknown state "X"`, err.Error())
	assert.Equal(t, "[TIMEOUT_ERROR] slow", NewError(ErrCodeTimeout, "slow").Error())
}

func TestFlowError_ErrorKind(t *testing.T) {
	assert.Equal(t, KindTimeout, NewError(ErrCodeTimeout, "").ErrorKind())
	assert.Equal(t, KindTaskFailed, NewError(ErrCodeInvocation, "").ErrorKind())
	assert.Equal(t, KindNoChoiceMatched, NewError(ErrCodeChoiceNoMatch, "").ErrorKind())
	assert.Equal(t, "Custom.Err", NewError(ErrCodeInvocation, "").WithKind("Custom.Err").ErrorKind())
	assert.Equal(t, KindRuntime, NewError(ErrCodeStore, "").ErrorKind())
}

func TestFlowError_Matches(t *testing.T) {
	err := NewError(ErrCodeInvocation, "boom").WithKind("Payment.Declined")
	assert.True(t, err.Matches("Payment.Declined"))
	assert.True(t, err.Matches(KindAll))
	assert.False(t, err.Matches(KindTaskFailed))
	assert.False(t, err.Matches(KindBranchFailed))

	wrapped := BranchFailure(1, err)
	assert.True(t, wrapped.Matches("Payment.Declined"))
	assert.True(t, wrapped.Matches(KindBranchFailed))
	assert.Equal(t, ErrCodeInvocation, wrapped.Code)
	require.NotNil(t, wrapped.Branch)
	assert.Equal(t, 1, *wrapped.Branch)
	assert.Equal(t, 1, wrapped.Details["branch"])
	assert.True(t, errors.Is(wrapped, err))
}

func TestFlowError_Retryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeInvocation, "").Retryable())
	assert.True(t, NewError(ErrCodeTimeout, "").Retryable())
	assert.False(t, NewError(ErrCodeChoiceNoMatch, "").Retryable())
	assert.True(t, NewError(ErrCodeChoiceNoMatch, "").Catchable())
	assert.False(t, NewError(ErrCodeCancelled, "").Catchable())
	assert.False(t, NewError(ErrCodeCancelled, "").Retryable())
	assert.False(t, NewError(ErrCodeValidation, "").Retryable())
	assert.False(t, NewError(ErrCodeStateNotFound, "").Retryable())

	// A branch that ended without a choice match is retryable at the Parallel.
	assert.True(t, BranchFailure(0, NewError(ErrCodeChoiceNoMatch, "")).Retryable())
	assert.False(t, BranchFailure(0, NewError(ErrCodeCancelled, "")).Retryable())
}

func TestAsFlowError(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeStore))

	base := NewError(ErrCodeConflict, "dup")
	assert.Same(t, base, AsFlowError(fmt.Errorf("wrapped: %w", base), ErrCodeStore))

	plain := errors.New("disk full")
	fe := AsFlowError(plain, ErrCodeStore)
	assert.Equal(t, ErrCodeStore, fe.Code)
	assert.ErrorIs(t, fe, plain)
	assert.Equal(t, "", CodeOf(plain))
}

func TestFlowError_ErrorOutput(t *testing.T) {
	out := NewError(ErrCodeTimeout, "took too long").ErrorOutput()
	assert.Equal(t, map[string]any{"error": KindTimeout, "cause": "took too long"}, out)
}
