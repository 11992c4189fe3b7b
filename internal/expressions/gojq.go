package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq filters for the jq.transform builtin.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	// no $ENV
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a filter with data as its input.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Transform(ctx, expression, data)
}

// Transform runs a filter over any JSON value. One output is returned as is,
// several are collected into a []any and none yields nil.
func (e *GoJQEngine) Transform(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqValue widens Go numeric types to float64, the only number type gojq
// accepts besides int and big.Int.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
