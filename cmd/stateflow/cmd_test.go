package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

const linearYAML = `
start_at: A
states:
  A:
    type: Pass
    result: a
    result_path: $.a
    next: B
  B:
    type: Pass
    result: b
    result_path: $.b
    next: C
  C:
    type: Succeed
`

const checkSignJSON = `{
	"start_at": "Check",
	"states": {
		"Check": {
			"type": "Choice",
			"choices": [{"variable": "$.n", "numeric_greater_than": 0, "next": "Pos"}],
			"default": "Neg"
		},
		"Pos": {"type": "Pass", "result": "positive", "result_path": "$.sign", "end": true},
		"Neg": {"type": "Pass", "result": "negative", "result_path": "$.sign", "end": true}
	}
}`

const failYAML = `
start_at: Boom
states:
  Boom:
    type: Fail
    error: Exploded
    cause: it went bang
`

const danglingYAML = `
start_at: A
states:
  A:
    type: Pass
    next: Missing
`

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

// execute runs the root command with an isolated HOME.
func execute(t *testing.T, stdin string, args ...string) cmdResult {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return cmdResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeRun(t *testing.T, stdout string) runResult {
	t.Helper()
	var res runResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res), stdout)
	return res
}

func TestRunSucceeds(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, "", "run", file)
	require.NoError(t, r.err, r.stderr)

	res := decodeRun(t, r.stdout)
	assert.Equal(t, schema.ExecutionSucceeded, res.Status)
	assert.NotEmpty(t, res.ExecutionID)
	assert.JSONEq(t, `{"a":"a","b":"b"}`, string(res.Output))
}

func TestRunInputFromFile(t *testing.T) {
	file := writeFile(t, "check.json", checkSignJSON)
	input := writeFile(t, "input.json", `{"n": 7}`)

	r := execute(t, "", "run", file, "--input", "@"+input)
	require.NoError(t, r.err, r.stderr)
	assert.JSONEq(t, `{"n":7,"sign":"positive"}`, string(decodeRun(t, r.stdout).Output))

	r = execute(t, "", "run", file, "--input", `{"n": -1}`)
	require.NoError(t, r.err, r.stderr)
	assert.JSONEq(t, `{"n":-1,"sign":"negative"}`, string(decodeRun(t, r.stdout).Output))
}

func TestRunBreakpointReplacesInput(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, `{"replaced": true}`+"\n", "run", file, "--break", "B")
	require.NoError(t, r.err, r.stderr)

	assert.Contains(t, r.stderr, "paused before B")
	res := decodeRun(t, r.stdout)
	assert.Equal(t, schema.ExecutionSucceeded, res.Status)
	assert.JSONEq(t, `{"replaced":true,"b":"b"}`, string(res.Output))
}

func TestRunBreakpointContinue(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, "\n\n", "run", file, "--break", "B", "--break", "C")
	require.NoError(t, r.err, r.stderr)

	assert.Contains(t, r.stderr, "paused before B")
	assert.Contains(t, r.stderr, "paused before C")
	assert.JSONEq(t, `{"a":"a","b":"b"}`, string(decodeRun(t, r.stdout).Output))
}

func TestRunBreakpointStop(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, "stop\n", "run", file, "--break", "B")
	require.Error(t, r.err)
	assert.Equal(t, schema.ExecutionCancelled, decodeRun(t, r.stdout).Status)
}

func TestRunNoPrompt(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, "", "run", file, "--break", "B", "--no-prompt")
	require.NoError(t, r.err, r.stderr)

	res := decodeRun(t, r.stdout)
	assert.Equal(t, schema.ExecutionPaused, res.Status)
	assert.Equal(t, "B", res.PausedAtState)
	assert.JSONEq(t, `{"a":"a"}`, string(res.PausedInput))
}

func TestRunFailState(t *testing.T) {
	file := writeFile(t, "fail.yaml", failYAML)

	r := execute(t, "", "run", file)
	require.Error(t, r.err)

	res := decodeRun(t, r.stdout)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Contains(t, res.Error, "it went bang")
}

func TestRunInvalidDefinition(t *testing.T) {
	file := writeFile(t, "dangling.yaml", danglingYAML)

	r := execute(t, "", "run", file)
	require.Error(t, r.err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.err))
	assert.Contains(t, r.stderr, file+": error")
	assert.Empty(t, r.stdout)
}

func TestRunBadInput(t *testing.T) {
	file := writeFile(t, "linear.yaml", linearYAML)

	r := execute(t, "", "run", file, "--input", "{not json")
	require.Error(t, r.err)

	r = execute(t, "", "run", file, "--input", "@/nonexistent/input.json")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "read input")
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "linear.yaml", linearYAML)
	other := writeFile(t, "check.json", checkSignJSON)

	r := execute(t, "", "validate", good, other)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, good+": ok")
	assert.Contains(t, r.stdout, other+": ok")

	bad := writeFile(t, "dangling.yaml", danglingYAML)
	r = execute(t, "", "validate", good, bad)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "1 of 2 definitions invalid")
	assert.Contains(t, r.stdout, bad+": error")
	assert.Contains(t, r.stdout, "Missing")
}

func TestValidateCommandBadCondition(t *testing.T) {
	file := writeFile(t, "cond.json", `{
		"start_at": "Check",
		"states": {
			"Check": {
				"type": "Choice",
				"choices": [{"condition": "input.n >", "next": "Done"}],
				"default": "Done"
			},
			"Done": {"type": "Succeed"}
		}
	}`)

	r := execute(t, "", "validate", file)
	require.Error(t, r.err)
	assert.Contains(t, r.stdout, file+": error")
}

func TestValidateCommandMissingFile(t *testing.T) {
	r := execute(t, "", "validate", "/nonexistent/flow.yaml")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "read /nonexistent/flow.yaml")
}

func TestVersionCommand(t *testing.T) {
	r := execute(t, "", "version")
	require.NoError(t, r.err)
	assert.Equal(t, version+"\n", r.stdout)
}

func TestExamplesValidate(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	r := execute(t, "", append([]string{"validate"}, files...)...)
	require.NoError(t, r.err, r.stdout)
}

func TestExampleOrderRuns(t *testing.T) {
	file := filepath.Join("..", "..", "examples", "order.yaml")
	input := filepath.Join("..", "..", "examples", "order.input.json")

	r := execute(t, "", "run", file, "--input", "@"+input)
	require.NoError(t, r.err, r.stderr)

	var out struct {
		Total struct {
			Result float64 `json:"result"`
		} `json:"total"`
		Review     string   `json:"review"`
		Fulfilment []string `json:"fulfilment"`
	}
	require.NoError(t, json.Unmarshal(decodeRun(t, r.stdout).Output, &out))
	assert.Equal(t, 42.0, out.Total.Result)
	assert.Equal(t, "manual", out.Review)
	assert.Equal(t, []string{"reserved", "notified"}, out.Fulfilment)
}

func TestExampleChargeRetryIsCaught(t *testing.T) {
	file := filepath.Join("..", "..", "examples", "charge-retry.yaml")

	r := execute(t, "", "run", file)
	require.NoError(t, r.err, r.stderr)

	var out struct {
		Outcome     string `json:"outcome"`
		ChargeError struct {
			Error string `json:"error"`
		} `json:"charge_error"`
	}
	require.NoError(t, json.Unmarshal(decodeRun(t, r.stdout).Output, &out))
	assert.Equal(t, "refunded", out.Outcome)
	assert.Equal(t, "Gateway.Unavailable", out.ChargeError.Error)
}
