package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stateflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://stateflow.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stateflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["start_at", "states"],
  "properties": {
    "comment": { "type": "string" },
    "start_at": { "type": "string", "minLength": 1 },
    "timeout_sec": { "type": "integer", "minimum": 0 },
    "states": { "$ref": "#/$defs/states" }
  },
  "additionalProperties": false,
  "$defs": {
    "states": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": { "minLength": 1 },
      "additionalProperties": { "$ref": "#/$defs/state" }
    },
    "state": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["Task", "Choice", "Wait", "Parallel", "Pass", "Fail", "Succeed"]
        },
        "comment": { "type": "string" },
        "next": { "type": "string", "minLength": 1 },
        "end": { "type": "boolean" },
        "input_path": { "type": "string" },
        "result_path": { "type": "string" },
        "output_path": { "type": "string" },
        "function_id": { "type": "string" },
        "timeout_sec": { "type": "integer", "minimum": 0 },
        "heartbeat_sec": { "type": "integer", "minimum": 0 },
        "retry": { "type": "array", "items": { "$ref": "#/$defs/retry" } },
        "catch": { "type": "array", "items": { "$ref": "#/$defs/catch" } },
        "choices": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
        "default": { "type": "string" },
        "seconds": { "type": "integer", "minimum": 0 },
        "timestamp": { "type": "string", "format": "date-time" },
        "seconds_path": { "type": "string" },
        "timestamp_path": { "type": "string" },
        "branches": { "type": "array", "items": { "$ref": "#/$defs/branch" } },
        "result": {},
        "error": { "type": "string" },
        "cause": { "type": "string" }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["start_at", "states"],
      "properties": {
        "comment": { "type": "string" },
        "start_at": { "type": "string", "minLength": 1 },
        "states": { "$ref": "#/$defs/states" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["error_equals"],
      "properties": {
        "error_equals": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "interval_seconds": { "type": "number" },
        "max_attempts": { "type": "integer" },
        "backoff_rate": { "type": "number" }
      },
      "additionalProperties": false
    },
    "catch": {
      "type": "object",
      "required": ["error_equals"],
      "properties": {
        "error_equals": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "next": { "type": "string" },
        "result_path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "properties": {
        "variable": { "type": "string" },
        "next": { "type": "string" },
        "and": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
        "or": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
        "not": { "$ref": "#/$defs/rule" },
        "condition": { "type": "string", "minLength": 1 }
      }
    }
  }
}`

// JSONSchemaValidator checks definitions against the structural JSON Schema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// ValidateDefinition validates a parsed WorkflowDefinition against the schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	return v.validateDoc(doc)
}

// ValidateDocument validates raw JSON before it is decoded into Go types, so
// unknown fields and wrong value types are reported with their locations.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "definition is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return v.validateDoc(doc)
}

func (v *JSONSchemaValidator) validateDoc(doc any) error {
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// carrying every leaf violation in its details.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
