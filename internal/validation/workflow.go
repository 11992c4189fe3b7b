package validation

import (
	"github.com/rendis/stateflow/pkg/schema"
)

// WorkflowValidator checks a definition in three passes: structure against
// the embedded JSON Schema, per-state semantics, then graph reachability.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ConditionChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// cond may be nil to skip compiling Choice conditions.
func NewWorkflowValidator(cond ConditionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, conditions: cond}, nil
}

// Validate returns every issue found, sorted by path. A structurally broken
// definition is not checked further, and the graph pass only runs once all
// references resolve.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := structuralResult(wv.jsonSchema.ValidateDefinition(def))
	if result.Valid() {
		result.Merge(validateSemantic(def, wv.conditions))
		if result.Valid() {
			result.Merge(validateGraph(def))
		}
	}
	result.Sort()
	return result
}

// ValidateDocument parses raw JSON or YAML and validates it. JSON input is
// checked against the schema before decoding so that unknown fields are
// reported instead of silently dropped.
func (wv *WorkflowValidator) ValidateDocument(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	def, err := schema.ParseDefinition(data)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, schema.AsFlowError(err, schema.ErrCodeValidation).Message)
		return nil, r
	}
	if raw, err := schema.CanonicalJSON(data); err == nil {
		if result := structuralResult(wv.jsonSchema.ValidateDocument(raw)); !result.Valid() {
			return def, result
		}
	}
	return def, wv.Validate(def)
}

// ValidateDefinition is Validate as a plain error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// structuralResult turns schema violations into one issue each.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if fe.Details != nil {
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
