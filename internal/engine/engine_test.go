package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/invoke"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// --- helpers ---

// recordingSleeper returns immediately and remembers every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type testEnv struct {
	engine  *Engine
	store   *store.MemoryStore
	sleeper *recordingSleeper
}

func newTestEngine(t *testing.T, fns []invoke.Function, tune ...func(*Config)) *testEnv {
	t.Helper()
	reg := invoke.NewRegistry()
	for _, fn := range fns {
		require.NoError(t, reg.Register(fn))
	}
	ms := store.NewMemoryStore()
	sl := &recordingSleeper{}
	cfg := Config{
		PoolSize:                   4,
		CancelGracePeriod:          200 * time.Millisecond,
		BackoffCountsTowardTimeout: true,
		Sleep:                      sl.Sleep,
		Logger:                     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range tune {
		fn(&cfg)
	}
	e, err := New(ms, reg, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &testEnv{engine: e, store: ms, sleeper: sl}
}

func definition(t *testing.T, src string) schema.WorkflowDefinition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(src))
	require.NoError(t, err)
	return *def
}

func (env *testEnv) createWorkflow(t *testing.T, name, src string) *store.Workflow {
	t.Helper()
	wf, err := env.engine.CreateWorkflow(context.Background(), WorkflowSpec{Name: name, Definition: definition(t, src)})
	require.NoError(t, err)
	return wf
}

// run starts an execution and waits until it pauses or ends.
func (env *testEnv) run(t *testing.T, workflow, input string, opts ...StartOptions) *store.WorkflowExecution {
	t.Helper()
	var o StartOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	exec, err := env.engine.StartExecution(context.Background(), workflow, json.RawMessage(input), o)
	require.NoError(t, err)
	return env.wait(t, exec.ID)
}

func (env *testEnv) wait(t *testing.T, id string) *store.WorkflowExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := env.engine.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func (env *testEnv) records(t *testing.T, id string) []*store.StateExecution {
	t.Helper()
	recs, err := env.store.ListStateExecutions(context.Background(), id)
	require.NoError(t, err)
	return recs
}

func recordsNamed(recs []*store.StateExecution, name string) []*store.StateExecution {
	var out []*store.StateExecution
	for _, r := range recs {
		if r.StateName == name {
			out = append(out, r)
		}
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// blockUntilCancelled is a function that honors cancellation and reports
// each start on started.
func blockUntilCancelled(name string, started chan<- struct{}) invoke.Function {
	return invoke.FuncOf(name, "blocks until cancelled", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

const checkSignWorkflow = `{
	"start_at": "Check",
	"states": {
		"Check": {
			"type": "Choice",
			"choices": [{"variable": "$.n", "numeric_greater_than": 0, "next": "Pos"}],
			"default": "Neg"
		},
		"Pos": {"type": "Pass", "result": {"sign": "positive"}, "result_path": "$.result", "end": true},
		"Neg": {"type": "Pass", "result": {"sign": "negative"}, "result_path": "$.result", "end": true}
	}
}`

// --- tests ---

func TestEngine_ChoiceEndToEnd(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "check-sign", checkSignWorkflow)

	pos := env.run(t, "check-sign", `{"n": 5}`)
	require.Equal(t, schema.ExecutionSucceeded, pos.Status)
	assert.JSONEq(t, `{"n": 5, "result": {"sign": "positive"}}`, string(pos.Output))
	assert.NotNil(t, pos.StartedAt)
	assert.NotNil(t, pos.CompletedAt)

	recs := env.records(t, pos.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, "Check", recs[0].StateName)
	assert.Equal(t, "Pos", recs[1].StateName)
	for _, r := range recs {
		assert.Equal(t, schema.StateSucceeded, r.Status)
	}

	neg := env.run(t, "check-sign", `{"n": -3}`)
	require.Equal(t, schema.ExecutionSucceeded, neg.Status)
	assert.JSONEq(t, `{"n": -3, "result": {"sign": "negative"}}`, string(neg.Output))
}

func TestEngine_ChoiceRuleOrder(t *testing.T) {
	env := newTestEngine(t, nil)
	const tmpl = `{
		"start_at": "Route",
		"states": {
			"Route": {"type": "Choice", "choices": [%s, %s]},
			"Big":   {"type": "Pass", "result": "big", "end": true},
			"Any":   {"type": "Pass", "result": "any", "end": true}
		}
	}`
	anyRule := `{"variable": "$.n", "numeric_greater_than": 0, "next": "Any"}`
	bigRule := `{"variable": "$.n", "numeric_greater_than": 10, "next": "Big"}`
	env.createWorkflow(t, "any-first", fmt.Sprintf(tmpl, anyRule, bigRule))
	env.createWorkflow(t, "big-first", fmt.Sprintf(tmpl, bigRule, anyRule))

	assert.JSONEq(t, `"any"`, string(env.run(t, "any-first", `{"n": 20}`).Output))
	assert.JSONEq(t, `"big"`, string(env.run(t, "big-first", `{"n": 20}`).Output))
	// Only one rule matches: order is irrelevant.
	assert.JSONEq(t, `"any"`, string(env.run(t, "big-first", `{"n": 3}`).Output))
}

func TestEngine_ChoiceNoMatchFailsExecution(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "strict", `{
		"start_at": "Route",
		"states": {
			"Route": {"type": "Choice", "choices": [{"variable": "$.n", "numeric_equals": 1, "next": "One"}]},
			"One":   {"type": "Succeed"}
		}
	}`)

	exec := env.run(t, "strict", `{"n": 2}`)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeChoiceNoMatch, exec.ErrorCode)
	assert.Contains(t, exec.Error, schema.KindNoChoiceMatched)
}

func TestEngine_RetryBackoffThenCatch(t *testing.T) {
	var calls atomic.Int32
	flaky := invoke.FuncOf("flaky", "always fails", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, invoke.Failure("Custom.Error", "boom")
	})
	env := newTestEngine(t, []invoke.Function{flaky})
	env.createWorkflow(t, "retrying", `{
		"start_at": "Call",
		"states": {
			"Call": {
				"type": "Task",
				"function_id": "flaky",
				"retry": [{"error_equals": ["Custom.Error"], "interval_seconds": 1, "max_attempts": 3, "backoff_rate": 2}],
				"catch": [{"error_equals": ["States.ALL"], "next": "Recovered", "result_path": "$.error"}],
				"next": "Done"
			},
			"Recovered": {"type": "Pass", "end": true},
			"Done": {"type": "Succeed"}
		}
	}`)

	exec := env.run(t, "retrying", `{"order": 7}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, env.sleeper.Delays())
	assert.JSONEq(t, `{"order": 7, "error": {"error": "Custom.Error", "cause": "boom"}}`, string(exec.Output))

	call := recordsNamed(env.records(t, exec.ID), "Call")
	require.Len(t, call, 1)
	assert.Equal(t, schema.StateFailed, call[0].Status)
	assert.Equal(t, 3, call[0].RetryCount)
	assert.Equal(t, schema.ErrCodeInvocation, call[0].ErrorCode)
	assert.Equal(t, "boom", call[0].Error)

	caught, err := env.engine.events.GetEventsByType(context.Background(), schema.EventStateCaught, store.EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, caught, 1)
}

func TestEngine_RetryExhaustedFailsExecution(t *testing.T) {
	flaky := invoke.FuncOf("flaky", "always fails", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, invoke.Failure("", "upstream unavailable")
	})
	env := newTestEngine(t, []invoke.Function{flaky})
	env.createWorkflow(t, "fatal", `{
		"start_at": "Call",
		"states": {
			"Call": {"type": "Task", "function_id": "flaky", "retry": [{"error_equals": ["States.TaskFailed"], "max_attempts": 2}], "end": true}
		}
	}`)

	exec := env.run(t, "fatal", `{}`)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeInvocation, exec.ErrorCode)
	assert.Equal(t, "States.TaskFailed: upstream unavailable", exec.Error)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.sleeper.Delays())
}

func TestEngine_ParallelBranchFailureCancelsSiblings(t *testing.T) {
	started := make(chan struct{}, 2)
	failing := invoke.FuncOf("fail.after.siblings", "fails once both siblings run", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-started
		<-started
		return nil, invoke.Failure("Branch.Broken", "branch two failed")
	})
	env := newTestEngine(t, []invoke.Function{failing, blockUntilCancelled("block", started)})
	env.createWorkflow(t, "fan-out", `{
		"start_at": "Fan",
		"states": {
			"Fan": {
				"type": "Parallel",
				"branches": [
					{"start_at": "One", "states": {"One": {"type": "Task", "function_id": "block", "end": true}}},
					{"start_at": "Two", "states": {"Two": {"type": "Task", "function_id": "fail.after.siblings", "end": true}}},
					{"start_at": "Three", "states": {"Three": {"type": "Task", "function_id": "block", "end": true}}}
				],
				"end": true
			}
		}
	}`)

	exec := env.run(t, "fan-out", `{}`)
	require.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeInvocation, exec.ErrorCode)
	assert.Contains(t, exec.Error, "branch 1: branch two failed")

	recs := env.records(t, exec.ID)
	fan := recordsNamed(recs, "Fan")
	require.Len(t, fan, 1)
	assert.Equal(t, schema.StateFailed, fan[0].Status)
	assert.Contains(t, fan[0].Error, "branch two failed")

	two := recordsNamed(recs, "Two")
	require.Len(t, two, 1)
	assert.Equal(t, schema.StateFailed, two[0].Status)
	assert.Equal(t, schema.ErrCodeInvocation, two[0].ErrorCode)
	require.NotNil(t, two[0].BranchIndex)
	assert.Equal(t, 1, *two[0].BranchIndex)
	assert.Equal(t, fan[0].ID, two[0].ParentID)

	for _, name := range []string{"One", "Three"} {
		sib := recordsNamed(recs, name)
		require.Len(t, sib, 1, name)
		assert.Equal(t, schema.StateFailed, sib[0].Status, name)
		assert.Equal(t, schema.ErrCodeCancelled, sib[0].ErrorCode, name)
	}
}

func TestEngine_ParallelOutputsInBranchOrder(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "fan-in", `{
		"start_at": "Fan",
		"states": {
			"Fan": {
				"type": "Parallel",
				"branches": [
					{"start_at": "A", "states": {"A": {"type": "Pass", "result": "a", "end": true}}},
					{"start_at": "B", "states": {"B": {"type": "Pass", "input_path": "$.v", "end": true}}}
				],
				"result_path": "$.results",
				"end": true
			}
		}
	}`)

	exec := env.run(t, "fan-in", `{"v": 3}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	assert.JSONEq(t, `{"v": 3, "results": ["a", 3]}`, string(exec.Output))
}

func TestEngine_ParallelRetryAndCatch(t *testing.T) {
	t.Run("retry re-runs the branches", func(t *testing.T) {
		var calls atomic.Int32
		flaky := invoke.FuncOf("flaky.once", "fails on the first call", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, invoke.Failure("Custom.Error", "first call fails")
			}
			return json.RawMessage(`"ok"`), nil
		})
		env := newTestEngine(t, []invoke.Function{flaky})
		env.createWorkflow(t, "fan-retry", `{
			"start_at": "Fan",
			"states": {
				"Fan": {
					"type": "Parallel",
					"branches": [
						{"start_at": "Call", "states": {"Call": {"type": "Task", "function_id": "flaky.once", "end": true}}},
						{"start_at": "Echo", "states": {"Echo": {"type": "Pass", "result": "static", "end": true}}}
					],
					"retry": [{"error_equals": ["States.BranchFailed"], "interval_seconds": 1, "max_attempts": 2}],
					"result_path": "$.results",
					"end": true
				}
			}
		}`)

		exec := env.run(t, "fan-retry", `{"v": 1}`)
		require.Equal(t, schema.ExecutionSucceeded, exec.Status)
		assert.JSONEq(t, `{"v": 1, "results": ["ok", "static"]}`, string(exec.Output))
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, []time.Duration{time.Second}, env.sleeper.Delays())

		fan := recordsNamed(env.records(t, exec.ID), "Fan")
		require.Len(t, fan, 1)
		assert.Equal(t, schema.StateSucceeded, fan[0].Status)
		assert.Equal(t, 1, fan[0].RetryCount)
		assert.Len(t, recordsNamed(env.records(t, exec.ID), "Call"), 2)
	})

	t.Run("catch routes to next state", func(t *testing.T) {
		broken := invoke.FuncOf("broken", "always fails", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, invoke.Failure("Custom.Error", "boom")
		})
		env := newTestEngine(t, []invoke.Function{broken})
		env.createWorkflow(t, "fan-catch", `{
			"start_at": "Fan",
			"states": {
				"Fan": {
					"type": "Parallel",
					"branches": [
						{"start_at": "Call", "states": {"Call": {"type": "Task", "function_id": "broken", "end": true}}}
					],
					"catch": [{"error_equals": ["States.BranchFailed"], "next": "Recovered", "result_path": "$.error"}],
					"next": "Done"
				},
				"Recovered": {"type": "Pass", "result": true, "result_path": "$.recovered", "end": true},
				"Done": {"type": "Succeed"}
			}
		}`)

		exec := env.run(t, "fan-catch", `{"v": 1}`)
		require.Equal(t, schema.ExecutionSucceeded, exec.Status)
		out := decode(t, exec.Output)
		assert.Equal(t, true, out["recovered"])
		caught, ok := out["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Custom.Error", caught["error"])
		assert.Contains(t, caught["cause"], "boom")

		recs := env.records(t, exec.ID)
		fan := recordsNamed(recs, "Fan")
		require.Len(t, fan, 1)
		assert.Equal(t, schema.StateFailed, fan[0].Status)
		assert.Len(t, recordsNamed(recs, "Recovered"), 1)
		assert.Empty(t, recordsNamed(recs, "Done"))
	})

	t.Run("choice without match in a branch is retried by the parallel", func(t *testing.T) {
		var calls atomic.Int32
		counter := invoke.FuncOf("counter", "returns the call number", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"attempt": %d}`, calls.Add(1))), nil
		})
		env := newTestEngine(t, []invoke.Function{counter})
		env.createWorkflow(t, "fan-choice", `{
			"start_at": "Fan",
			"states": {
				"Fan": {
					"type": "Parallel",
					"branches": [{
						"start_at": "Count",
						"states": {
							"Count": {"type": "Task", "function_id": "counter", "next": "Route"},
							"Route": {"type": "Choice", "choices": [{"variable": "$.attempt", "numeric_greater_than_equals": 2, "next": "Ok"}]},
							"Ok": {"type": "Succeed"}
						}
					}],
					"retry": [{"error_equals": ["States.BranchFailed"], "interval_seconds": 1, "max_attempts": 2}],
					"end": true
				}
			}
		}`)

		exec := env.run(t, "fan-choice", `{}`)
		require.Equal(t, schema.ExecutionSucceeded, exec.Status)
		assert.JSONEq(t, `[{"attempt": 2}]`, string(exec.Output))

		fan := recordsNamed(env.records(t, exec.ID), "Fan")
		require.Len(t, fan, 1)
		assert.Equal(t, 1, fan[0].RetryCount)

		route := recordsNamed(env.records(t, exec.ID), "Route")
		require.Len(t, route, 2)
		assert.Equal(t, schema.StateFailed, route[0].Status)
		assert.Equal(t, schema.ErrCodeChoiceNoMatch, route[0].ErrorCode)
		assert.Equal(t, 0, route[0].RetryCount)
	})

	t.Run("choice without match in a branch is caught by the parallel", func(t *testing.T) {
		env := newTestEngine(t, nil)
		env.createWorkflow(t, "fan-choice-catch", `{
			"start_at": "Fan",
			"states": {
				"Fan": {
					"type": "Parallel",
					"branches": [{
						"start_at": "Route",
						"states": {
							"Route": {"type": "Choice", "choices": [{"variable": "$.n", "numeric_equals": 1, "next": "Ok"}]},
							"Ok": {"type": "Succeed"}
						}
					}],
					"catch": [{"error_equals": ["States.NoChoiceMatched"], "next": "Fallback", "result_path": "$.error"}],
					"end": true
				},
				"Fallback": {"type": "Pass", "end": true}
			}
		}`)

		exec := env.run(t, "fan-choice-catch", `{"n": 2}`)
		require.Equal(t, schema.ExecutionSucceeded, exec.Status)
		out := decode(t, exec.Output)
		caught, ok := out["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, schema.KindNoChoiceMatched, caught["error"])
		assert.Len(t, recordsNamed(env.records(t, exec.ID), "Fallback"), 1)
	})
}

const linearWorkflow = `{
	"start_at": "A",
	"states": {
		"A": {"type": "Pass", "result": {"step": "a"}, "result_path": "$.a", "next": "B"},
		"B": {"type": "Pass", "result": {"step": "b"}, "result_path": "$.b", "next": "C"},
		"C": {"type": "Succeed"}
	}
}`

func TestEngine_BreakpointPauseAndResumeWithReplacement(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)
	ctx := context.Background()

	exec := env.run(t, "linear", `{"x": 1}`, StartOptions{Breakpoints: []string{"B"}})
	require.Equal(t, schema.ExecutionPaused, exec.Status)
	assert.Equal(t, "B", exec.PausedAtState)
	assert.JSONEq(t, `{"x": 1, "a": {"step": "a"}}`, string(exec.PausedInput))
	assert.NotNil(t, exec.PausedAt)
	assert.Empty(t, recordsNamed(env.records(t, exec.ID), "B"))

	paused, err := env.engine.IsPaused(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = env.engine.Resume(ctx, exec.ID, json.RawMessage(`{"x": 42}`))
	require.NoError(t, err)
	done := env.wait(t, exec.ID)
	require.Equal(t, schema.ExecutionSucceeded, done.Status)
	assert.JSONEq(t, `{"x": 42, "b": {"step": "b"}}`, string(done.Output))
	assert.Empty(t, done.PausedAtState)

	b := recordsNamed(env.records(t, exec.ID), "B")
	require.Len(t, b, 1)
	assert.JSONEq(t, `{"x": 42}`, string(b[0].Input))

	_, err = env.engine.Resume(ctx, exec.ID, nil)
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
}

func TestEngine_ResumeKeepsPausedInput(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)

	exec := env.run(t, "linear", `{"x": 1}`, StartOptions{Breakpoints: []string{"A"}})
	require.Equal(t, schema.ExecutionPaused, exec.Status)
	assert.Equal(t, "A", exec.PausedAtState)

	_, err := env.engine.Resume(context.Background(), exec.ID, nil)
	require.NoError(t, err)
	done := env.wait(t, exec.ID)
	require.Equal(t, schema.ExecutionSucceeded, done.Status)
	assert.JSONEq(t, `{"x": 1, "a": {"step": "a"}, "b": {"step": "b"}}`, string(done.Output))
}

func TestEngine_ResumeWithNullReplacement(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)

	exec := env.run(t, "linear", `{"x": 1}`, StartOptions{Breakpoints: []string{"C"}})
	require.Equal(t, schema.ExecutionPaused, exec.Status)

	_, err := env.engine.Resume(context.Background(), exec.ID, json.RawMessage(`null`))
	require.NoError(t, err)
	done := env.wait(t, exec.ID)
	require.Equal(t, schema.ExecutionSucceeded, done.Status)
	assert.JSONEq(t, `null`, string(done.Output))

	c := recordsNamed(env.records(t, exec.ID), "C")
	require.Len(t, c, 1)
	assert.JSONEq(t, `null`, string(c[0].Input))
}

func TestEngine_ResumeRequiresPaused(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)

	exec := env.run(t, "linear", `{}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)

	_, err := env.engine.Resume(context.Background(), exec.ID, nil)
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))

	_, err = env.engine.Resume(context.Background(), "missing", nil)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestEngine_SetBreakpointOnRunningExecution(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	gate := invoke.FuncOf("gate", "waits for release", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		select {
		case <-release:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	env := newTestEngine(t, []invoke.Function{gate})
	env.createWorkflow(t, "gated", `{
		"start_at": "Gate",
		"states": {
			"Gate": {"type": "Task", "function_id": "gate", "next": "After"},
			"After": {"type": "Pass", "end": true}
		}
	}`)
	ctx := context.Background()

	exec, err := env.engine.StartExecution(ctx, "gated", nil, StartOptions{})
	require.NoError(t, err)
	<-started

	bp, err := env.engine.SetBreakpoint(ctx, exec.ID, "After")
	require.NoError(t, err)
	assert.True(t, bp.Enabled)
	_, err = env.engine.SetBreakpoint(ctx, exec.ID, "Nowhere")
	assert.Equal(t, schema.ErrCodeStateNotFound, schema.CodeOf(err))

	close(release)
	paused := env.wait(t, exec.ID)
	require.Equal(t, schema.ExecutionPaused, paused.Status)
	assert.Equal(t, "After", paused.PausedAtState)

	bps, err := env.engine.ListBreakpoints(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, bps, 1)

	require.NoError(t, env.engine.DeleteBreakpoint(ctx, exec.ID, "After"))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(env.engine.DeleteBreakpoint(ctx, exec.ID, "After")))

	_, err = env.engine.Resume(ctx, exec.ID, nil)
	require.NoError(t, err)
	done := env.wait(t, exec.ID)
	assert.Equal(t, schema.ExecutionSucceeded, done.Status)

	_, err = env.engine.SetBreakpoint(ctx, exec.ID, "After")
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
}

func TestEngine_StopRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEngine(t, []invoke.Function{blockUntilCancelled("block", started)})
	env.createWorkflow(t, "blocking", `{
		"start_at": "Block",
		"states": {"Block": {"type": "Task", "function_id": "block", "end": true}}
	}`)
	ctx := context.Background()

	exec, err := env.engine.StartExecution(ctx, "blocking", nil, StartOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, env.engine.StopExecution(ctx, exec.ID))
	stopped, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stopped.Status)
	assert.Equal(t, schema.ErrCodeCancelled, stopped.ErrorCode)

	block := recordsNamed(env.records(t, exec.ID), "Block")
	require.Len(t, block, 1)
	assert.Equal(t, schema.StateFailed, block[0].Status)
	assert.Equal(t, schema.ErrCodeCancelled, block[0].ErrorCode)

	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(env.engine.StopExecution(ctx, exec.ID)))
}

func TestEngine_StopPausedExecution(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)
	ctx := context.Background()

	exec := env.run(t, "linear", `{}`, StartOptions{Breakpoints: []string{"C"}})
	require.Equal(t, schema.ExecutionPaused, exec.Status)

	require.NoError(t, env.engine.StopExecution(ctx, exec.ID))
	stopped, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stopped.Status)
	assert.NotEmpty(t, stopped.Error)
}

func TestEngine_StopRacingBreakpointCancels(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		exec, err := env.engine.StartExecution(ctx, "linear", json.RawMessage(`{}`), StartOptions{Breakpoints: []string{"B"}})
		require.NoError(t, err)
		require.NoError(t, env.engine.StopExecution(ctx, exec.ID))

		stopped := env.wait(t, exec.ID)
		require.Equal(t, schema.ExecutionCancelled, stopped.Status, "iteration %d", i)
		assert.Equal(t, schema.ErrCodeCancelled, stopped.ErrorCode)
	}
}

func TestEngine_ExecutionTimeout(t *testing.T) {
	env := newTestEngine(t, []invoke.Function{blockUntilCancelled("block", nil)})
	_, err := env.engine.CreateWorkflow(context.Background(), WorkflowSpec{
		Name:       "slow",
		TimeoutSec: 1,
		Definition: definition(t, `{
			"start_at": "Block",
			"states": {"Block": {"type": "Task", "function_id": "block", "end": true}}
		}`),
	})
	require.NoError(t, err)

	exec := env.run(t, "slow", `{}`)
	assert.Equal(t, schema.ExecutionTimedOut, exec.Status)
	assert.Equal(t, schema.ErrCodeTimeout, exec.ErrorCode)
	assert.NotNil(t, exec.TimeoutAt)
}

func TestEngine_TaskTimeoutIsCatchable(t *testing.T) {
	env := newTestEngine(t, []invoke.Function{blockUntilCancelled("block", nil)})
	env.createWorkflow(t, "task-timeout", `{
		"start_at": "Block",
		"states": {
			"Block": {
				"type": "Task", "function_id": "block", "timeout_sec": 1,
				"catch": [{"error_equals": ["States.Timeout"], "next": "Fallback", "result_path": "$.err"}],
				"end": true
			},
			"Fallback": {"type": "Pass", "end": true}
		}
	}`)

	exec := env.run(t, "task-timeout", `{}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	out := decode(t, exec.Output)
	assert.Equal(t, schema.KindTimeout, out["err"].(map[string]any)["error"])
}

func TestEngine_HeartbeatTimeout(t *testing.T) {
	var beats atomic.Int32
	env := newTestEngine(t, []invoke.Function{
		blockUntilCancelled("silent", nil),
		invoke.FuncOf("chatty", "beats then returns", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			for range 3 {
				invoke.Heartbeat(ctx)
				beats.Add(1)
			}
			return json.RawMessage(`"ok"`), nil
		}),
	})
	env.createWorkflow(t, "heartbeat", `{
		"start_at": "Chatty",
		"states": {
			"Chatty": {"type": "Task", "function_id": "chatty", "heartbeat_sec": 1, "result_path": "$.chatty", "next": "Silent"},
			"Silent": {
				"type": "Task", "function_id": "silent", "heartbeat_sec": 1,
				"catch": [{"error_equals": ["States.HeartbeatTimeout"], "next": "Recovered", "result_path": "$.err"}],
				"end": true
			},
			"Recovered": {"type": "Pass", "end": true}
		}
	}`)

	exec := env.run(t, "heartbeat", `{}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	assert.Equal(t, int32(3), beats.Load())
	out := decode(t, exec.Output)
	assert.Equal(t, "ok", out["chatty"])
	assert.Equal(t, schema.KindHeartbeatTimeout, out["err"].(map[string]any)["error"])

	silent := recordsNamed(env.records(t, exec.ID), "Silent")
	require.Len(t, silent, 1)
	assert.Equal(t, schema.ErrCodeTimeout, silent[0].ErrorCode)
}

func TestEngine_FailState(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "rejecting", `{
		"start_at": "Reject",
		"states": {"Reject": {"type": "Fail", "error": "Order.Rejected", "cause": "credit check failed"}}
	}`)

	exec := env.run(t, "rejecting", `{}`)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeFailState, exec.ErrorCode)
	assert.Equal(t, "Order.Rejected: credit check failed", exec.Error)
}

func TestEngine_WaitStateUsesSleeper(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "waiting", `{
		"start_at": "Fixed",
		"states": {
			"Fixed": {"type": "Wait", "seconds": 5, "next": "FromInput"},
			"FromInput": {"type": "Wait", "seconds_path": "$.delay", "end": true}
		}
	}`)

	exec := env.run(t, "waiting", `{"delay": 2}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	delays := env.sleeper.Delays()
	require.Len(t, delays, 2)
	assert.Equal(t, 5*time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])

	waits, err := env.engine.events.GetEventsByType(context.Background(), schema.EventWaitCompleted, store.EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, waits, 2)
}

func TestEngine_DataFlowPaths(t *testing.T) {
	env := newTestEngine(t, []invoke.Function{
		invoke.FuncOf("double", "doubles n", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			var in struct{ N float64 }
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"doubled": in.N * 2})
		}),
	})
	env.createWorkflow(t, "paths", `{
		"start_at": "Double",
		"states": {
			"Double": {
				"type": "Task", "function_id": "double",
				"input_path": "$.args", "result_path": "$.calc", "output_path": "$.calc",
				"end": true
			}
		}
	}`)

	exec := env.run(t, "paths", `{"args": {"n": 21}, "noise": true}`)
	require.Equal(t, schema.ExecutionSucceeded, exec.Status)
	assert.JSONEq(t, `{"doubled": 42}`, string(exec.Output))

	rec := recordsNamed(env.records(t, exec.ID), "Double")
	require.Len(t, rec, 1)
	assert.NotEmpty(t, rec[0].InvocationID)
}

func TestEngine_MissingInputPathFails(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "missing-path", `{
		"start_at": "Pick",
		"states": {"Pick": {"type": "Pass", "input_path": "$.absent", "end": true}}
	}`)

	exec := env.run(t, "missing-path", `{}`)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeDataPath, exec.ErrorCode)
	assert.Contains(t, exec.Error, schema.KindParameterPathFailure)
}

func TestEngine_WorkflowLifecycle(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := env.engine.CreateWorkflow(ctx, WorkflowSpec{Name: "broken", Definition: definition(t, `{
		"start_at": "A",
		"states": {"A": {"type": "Pass", "next": "X"}}
	}`)})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "X")

	wf := env.createWorkflow(t, "check-sign", checkSignWorkflow)
	got, err := env.engine.GetWorkflow(ctx, "check-sign")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	inactive := schema.WorkflowInactive
	_, err = env.engine.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &inactive})
	require.NoError(t, err)
	_, err = env.engine.StartExecution(ctx, wf.ID, nil, StartOptions{})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))

	_, err = env.engine.StartExecution(ctx, "nope", nil, StartOptions{})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	require.NoError(t, env.engine.DeleteWorkflow(ctx, "check-sign"))
	_, err = env.engine.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestEngine_StartRejectsUnknownBreakpointAndBadInput(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)
	ctx := context.Background()

	_, err := env.engine.StartExecution(ctx, "linear", nil, StartOptions{Breakpoints: []string{"Z"}})
	assert.Equal(t, schema.ErrCodeStateNotFound, schema.CodeOf(err))

	_, err = env.engine.StartExecution(ctx, "linear", json.RawMessage(`{not json`), StartOptions{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestEngine_SnapshotSurvivesWorkflowUpdate(t *testing.T) {
	env := newTestEngine(t, nil)
	wf := env.createWorkflow(t, "linear", linearWorkflow)
	ctx := context.Background()

	exec := env.run(t, "linear", `{}`, StartOptions{Breakpoints: []string{"B"}})
	require.Equal(t, schema.ExecutionPaused, exec.Status)

	updated := definition(t, `{"start_at": "Only", "states": {"Only": {"type": "Succeed"}}}`)
	wf, err := env.engine.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Definition: &updated})
	require.NoError(t, err)
	assert.Equal(t, 2, wf.Version)

	_, err = env.engine.Resume(ctx, exec.ID, nil)
	require.NoError(t, err)
	done := env.wait(t, exec.ID)
	require.Equal(t, schema.ExecutionSucceeded, done.Status)
	assert.Equal(t, 1, done.WorkflowVersion)
	assert.Len(t, recordsNamed(env.records(t, exec.ID), "C"), 1)
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	wf := env.createWorkflow(t, "linear", linearWorkflow)

	now := time.Now().UTC()
	crashed := &store.WorkflowExecution{
		ID: "crashed", WorkflowID: wf.ID, WorkflowName: wf.Name, Definition: wf.Definition,
		Status: schema.ExecutionRunning, Input: json.RawMessage(`{}`), CurrentState: "B", StartedAt: &now,
	}
	parked := &store.WorkflowExecution{
		ID: "parked", WorkflowID: wf.ID, WorkflowName: wf.Name, Definition: wf.Definition,
		Status: schema.ExecutionPaused, Input: json.RawMessage(`{}`), PausedAtState: "B", PausedInput: json.RawMessage(`{}`), PausedAt: &now,
	}
	require.NoError(t, env.store.CreateExecution(ctx, crashed))
	require.NoError(t, env.store.CreateExecution(ctx, parked))
	require.NoError(t, env.store.CreateStateExecution(ctx, &store.StateExecution{
		ID: "rec-b", ExecutionID: "crashed", StateName: "B", StateType: schema.StatePass,
		Status: schema.StateRunning, StartedAt: &now,
	}))

	n, err := env.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetExecution(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, schema.ErrCodeInterrupted, got.ErrorCode)
	recs := env.records(t, "crashed")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StateFailed, recs[0].Status)

	still, err := env.engine.IsPaused(ctx, "parked")
	require.NoError(t, err)
	assert.True(t, still)

	_, err = env.engine.Resume(ctx, "parked", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSucceeded, env.wait(t, "parked").Status)
}

func TestEngine_GetExecutionDetail(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "linear", linearWorkflow)

	exec := env.run(t, "linear", `{}`, StartOptions{Breakpoints: []string{"C"}})
	detail, err := env.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, detail.Execution.ID)
	assert.Len(t, detail.States, 2)
	require.Len(t, detail.Breakpoints, 1)
	assert.Equal(t, "C", detail.Breakpoints[0].BeforeState)

	execs, err := env.engine.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: exec.WorkflowID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestEngine_EventLogReplay(t *testing.T) {
	env := newTestEngine(t, nil)
	env.createWorkflow(t, "check-sign", checkSignWorkflow)

	exec := env.run(t, "check-sign", `{"n": 1}`)
	events, err := env.engine.Events(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionSucceeded, events[len(events)-1].Type)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	replay, err := env.engine.Replay(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Contains(t, replay, "Pos")
	assert.Equal(t, schema.StateSucceeded, replay["Pos"].Status)
}

func TestEngine_ShutdownInterruptsRunning(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEngine(t, []invoke.Function{blockUntilCancelled("block", started)})
	env.createWorkflow(t, "blocking", `{
		"start_at": "Block",
		"states": {"Block": {"type": "Task", "function_id": "block", "end": true}}
	}`)
	ctx := context.Background()

	exec, err := env.engine.StartExecution(ctx, "blocking", nil, StartOptions{})
	require.NoError(t, err)
	<-started

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Shutdown(sctx))

	got, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, schema.ErrCodeInterrupted, got.ErrorCode)

	_, err = env.engine.StartExecution(ctx, "blocking", nil, StartOptions{})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
}
