package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the serializable state-machine format.
// Clients submit it via workflow.create or as a YAML/JSON file to the CLI.
type WorkflowDefinition struct {
	Comment    string            `json:"comment,omitempty"`
	StartAt    string            `json:"start_at"`
	States     map[string]*State `json:"states"`
	TimeoutSec int               `json:"timeout_sec,omitempty"` // whole-execution deadline, 0 = workflow default
}

// StateType enumerates the kinds of states in a workflow.
type StateType string

const (
	StateTask     StateType = "Task"
	StateChoice   StateType = "Choice"
	StateWait     StateType = "Wait"
	StateParallel StateType = "Parallel"
	StatePass     StateType = "Pass"
	StateFail     StateType = "Fail"
	StateSucceed  StateType = "Succeed"
)

// Valid reports whether t is one of the seven state types.
func (t StateType) Valid() bool {
	switch t {
	case StateTask, StateChoice, StateWait, StateParallel, StatePass, StateFail, StateSucceed:
		return true
	}
	return false
}

// State is one named node of a workflow graph. Fields outside the state's
// type are ignored by the engine and rejected by validation.
type State struct {
	Type    StateType `json:"type"`
	Comment string    `json:"comment,omitempty"`
	Next    string    `json:"next,omitempty"`
	End     bool      `json:"end,omitempty"`

	InputPath  string `json:"input_path,omitempty"`  // selects the effective input (default "$")
	ResultPath string `json:"result_path,omitempty"` // where the result is merged into the raw input (default "$")
	OutputPath string `json:"output_path,omitempty"` // selects the state output (default "$")

	// Task
	FunctionID   string        `json:"function_id,omitempty"`
	TimeoutSec   int           `json:"timeout_sec,omitempty"`
	HeartbeatSec int           `json:"heartbeat_sec,omitempty"`
	Retry        []RetryPolicy `json:"retry,omitempty"` // Task and Parallel
	Catch        []CatchConfig `json:"catch,omitempty"` // Task and Parallel

	// Choice
	Choices []ChoiceRule `json:"choices,omitempty"`
	Default string       `json:"default,omitempty"`

	// Wait
	Seconds       *int   `json:"seconds,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"` // RFC 3339
	SecondsPath   string `json:"seconds_path,omitempty"`
	TimestampPath string `json:"timestamp_path,omitempty"`

	// Parallel
	Branches []Branch `json:"branches,omitempty"`

	// Pass
	Result json.RawMessage `json:"result,omitempty"`

	// Fail
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// Branch is an independent sub-graph run by a Parallel state.
type Branch struct {
	Comment string            `json:"comment,omitempty"`
	StartAt string            `json:"start_at"`
	States  map[string]*State `json:"states"`
}

// Default retry policy values applied when a field is omitted.
const (
	DefaultRetryInterval    = 1.0
	DefaultRetryMaxAttempts = 3
	DefaultRetryBackoffRate = 2.0
)

// RetryPolicy configures re-attempts of a failed Task or Parallel state.
type RetryPolicy struct {
	ErrorEquals     []string `json:"error_equals"`
	IntervalSeconds float64  `json:"interval_seconds"`
	MaxAttempts     int      `json:"max_attempts"`
	BackoffRate     float64  `json:"backoff_rate"`
}

// UnmarshalJSON applies defaults for omitted fields.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	type plain RetryPolicy
	v := plain{
		IntervalSeconds: DefaultRetryInterval,
		MaxAttempts:     DefaultRetryMaxAttempts,
		BackoffRate:     DefaultRetryBackoffRate,
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = RetryPolicy(v)
	return nil
}

// Delay returns interval_seconds * backoff_rate^retryCount.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	secs := p.IntervalSeconds * math.Pow(p.BackoffRate, float64(retryCount))
	return time.Duration(secs * float64(time.Second))
}

// CatchConfig routes a matching error to a fallback state.
type CatchConfig struct {
	ErrorEquals []string `json:"error_equals"`
	Next        string   `json:"next"`
	ResultPath  string   `json:"result_path,omitempty"`
}

// IsTerminal reports whether the state ends its scope when it succeeds.
func (s *State) IsTerminal() bool {
	return s.Type == StateFail || s.Type == StateSucceed || (s.End && s.Type != StateChoice)
}

// Transitions returns every state name this state can move to, in
// declaration order, without duplicates.
func (s *State) Transitions() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	add(s.Next)
	for _, r := range s.Choices {
		add(r.Next)
	}
	add(s.Default)
	for _, c := range s.Catch {
		add(c.Next)
	}
	return out
}

// CanonicalJSON returns data as JSON. Input starting with '{' is treated as
// JSON and returned as is; everything else is decoded as YAML and
// re-encoded, so both formats share the same codecs.
func CanonicalJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "empty workflow definition")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}

	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse yaml definition: %s", err.Error()).WithCause(err)
	}
	converted, err := json.Marshal(yamlToJSON(doc))
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "convert yaml definition: %s", err.Error()).WithCause(err)
	}
	return converted, nil
}

// ParseDefinition decodes a definition from JSON or YAML.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	raw, err := CanonicalJSON(data)
	if err != nil {
		return nil, err
	}

	def := &WorkflowDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse definition: %s", err.Error()).WithCause(err)
	}
	return def, nil
}

// MarshalYAML renders the definition as YAML via its JSON form, so
// operator keys and raw results come out exactly as in JSON.
func (d *WorkflowDefinition) MarshalYAML() (any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// yamlToJSON converts yaml.v3 decoded values into JSON-encodable ones.
func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = yamlToJSON(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = yamlToJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = yamlToJSON(item)
		}
		return out
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return val
	}
}
