package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// Action is the outcome of a failure decision.
type Action string

const (
	ActionRetry Action = "retry"
	ActionCatch Action = "catch"
	ActionFail  Action = "fail"
)

// Decision tells the controller how to handle a failed attempt.
type Decision struct {
	Action Action
	Delay  time.Duration       // backoff before the next attempt, ActionRetry only
	Policy *schema.RetryPolicy // matched retry policy, ActionRetry only
	Catch  *schema.CatchConfig // matched catcher, ActionCatch only
}

// Decide picks retry, catch or fail for err after retryCount retries of the
// same state visit. The first retry policy whose error_equals matches is the
// only one consulted; once it is exhausted the first matching catcher wins.
func Decide(policies []schema.RetryPolicy, catches []schema.CatchConfig, err *schema.FlowError, retryCount int) Decision {
	if err == nil || !err.Catchable() {
		return Decision{Action: ActionFail}
	}

	if err.Retryable() {
		if p := matchRetry(policies, err); p != nil && retryCount < p.MaxAttempts {
			return Decision{Action: ActionRetry, Delay: p.Delay(retryCount), Policy: p}
		}
	}

	for i := range catches {
		if matchesAny(catches[i].ErrorEquals, err) {
			return Decision{Action: ActionCatch, Catch: &catches[i]}
		}
	}
	return Decision{Action: ActionFail}
}

func matchRetry(policies []schema.RetryPolicy, err *schema.FlowError) *schema.RetryPolicy {
	for i := range policies {
		if matchesAny(policies[i].ErrorEquals, err) {
			return &policies[i]
		}
	}
	return nil
}

func matchesAny(names []string, err *schema.FlowError) bool {
	return slices.ContainsFunc(names, err.Matches)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
