package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions for the expr.eval builtin. The
// task payload's keys are the environment.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

// Programs are compiled against an untyped environment so one cached program
// serves payloads of any shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
