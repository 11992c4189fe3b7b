package expressions

import (
	"context"
	"sync"

	"github.com/rendis/stateflow/pkg/schema"
)

// Engine evaluates expressions against workflow data. CEL backs Choice
// conditions; jq and Expr back the jq.transform and expr.eval builtins.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a failed compile is not cached.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

// len reports the number of cached programs.
func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports a malformed expression. Validation surfaces it as a
// definition issue.
func compileError(lang, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evalError reports an expression that compiled but failed on the data.
func evalError(lang, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(lang string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}
