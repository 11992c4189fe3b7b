package validation

import (
	"strings"
	"testing"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(cel)
	require.NoError(t, err)
	return wv
}

func mustParse(t *testing.T, src string) *schema.WorkflowDefinition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(src))
	require.NoError(t, err)
	return def
}

func messages(issues []schema.ValidationIssue) string {
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = is.Path + ": " + is.Message
	}
	return strings.Join(parts, "\n")
}

const checkDefinition = `{
  "start_at": "Check",
  "states": {
    "Check": {
      "type": "Choice",
      "choices": [{"variable": "$.n", "numeric_greater_than": 0, "next": "Pos"}],
      "default": "Neg"
    },
    "Pos": {"type": "Pass", "result": "positive", "end": true},
    "Neg": {"type": "Pass", "result": "non-positive", "end": true}
  }
}`

func TestWorkflowValidator_Valid(t *testing.T) {
	wv := newValidator(t)
	result := wv.Validate(mustParse(t, checkDefinition))
	assert.True(t, result.Valid(), messages(result.Errors))
	assert.Empty(t, result.Warnings)
	assert.NoError(t, wv.ValidateDefinition(mustParse(t, checkDefinition)))
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	result := newValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_MissingTargetNamed(t *testing.T) {
	wv := newValidator(t)
	def := mustParse(t, `{
	  "start_at": "A",
	  "states": {"A": {"type": "Pass", "next": "X"}}
	}`)

	err := wv.ValidateDefinition(def)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, `"X"`)

	issues := fe.Details["errors"].([]schema.ValidationIssue)
	require.Len(t, issues, 1)
	assert.Equal(t, schema.ErrCodeStateNotFound, issues[0].Code)
	assert.Equal(t, "states.A.next", issues[0].Path)
}

func TestWorkflowValidator_ReportsEveryViolation(t *testing.T) {
	wv := newValidator(t)
	def := mustParse(t, `{
	  "start_at": "Missing",
	  "states": {
	    "A": {"type": "Task", "next": "B", "end": true},
	    "B": {"type": "Wait", "seconds": 1, "timestamp": "2024-01-01T00:00:00Z", "end": true},
	    "C": {"type": "Choice", "choices": [{"variable": "$.x", "is_present": true, "next": "Y"}], "end": true}
	  }
	}`)

	result := wv.Validate(def)
	require.False(t, result.Valid())
	all := messages(result.Errors)
	assert.Contains(t, all, `start_at references unknown state "Missing"`)
	assert.Contains(t, all, "next and end are mutually exclusive")
	assert.Contains(t, all, "Task requires function_id")
	assert.Contains(t, all, "Wait requires exactly one of")
	assert.Contains(t, all, `references unknown state "Y"`)
	assert.Contains(t, all, "field end is not allowed on a Choice state")

	err := result.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{
		StartAt: "A",
		States:  map[string]*schema.State{"A": {Type: "Loop", Next: "Nowhere"}},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, is := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeStateNotFound, is.Code, "semantic stage must not run")
	}
}

func TestWorkflowValidator_ValidateDocument(t *testing.T) {
	wv := newValidator(t)

	def, result := wv.ValidateDocument([]byte(checkDefinition))
	require.NotNil(t, def)
	assert.True(t, result.Valid(), messages(result.Errors))

	yamlDoc := `
start_at: Hello
states:
  Hello:
    type: Pass
    result: {greeting: hi}
    end: true
`
	def, result = wv.ValidateDocument([]byte(yamlDoc))
	require.NotNil(t, def)
	assert.True(t, result.Valid(), messages(result.Errors))

	_, result = wv.ValidateDocument([]byte(`{"start_at":"A","states":{"A":{"type":"Succeed","color":"red"}}}`))
	require.False(t, result.Valid())
	assert.Contains(t, messages(result.Errors), "color")

	def, result = wv.ValidateDocument([]byte("states: [unclosed"))
	assert.Nil(t, def)
	assert.False(t, result.Valid())
}
