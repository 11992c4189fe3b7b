package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/stateflow/pkg/schema"
)

// CELEngine evaluates Choice conditions. Expressions see one dynamic
// variable, input, bound to the state's effective input.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CELEngine.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate binds data["input"] to input; a missing input is an empty object.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	var input any = map[string]any{}
	if v, ok := data["input"]; ok && v != nil {
		input = v
	}
	return e.EvaluateInput(ctx, expression, input)
}

// EvaluateInput evaluates expression with input bound directly.
func (e *CELEngine) EvaluateInput(_ context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a condition and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, input any) (bool, error) {
	out, err := e.EvaluateInput(ctx, expression, input)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL condition %q returned %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Compile parses and type-checks expression, caching the program.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*CELEngine)(nil)
