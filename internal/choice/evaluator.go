// Package choice evaluates Choice state rule trees against state input.
package choice

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

// DefaultIndex is the Selection index reported when the default target is used.
const DefaultIndex = -1

// Selection is the outcome of a Choice evaluation.
type Selection struct {
	Next  string `json:"next"`
	Index int    `json:"index"` // matched rule position, DefaultIndex for the default
}

// ConditionEvaluator evaluates boolean expressions over the state input.
// Satisfied by *expressions.CELEngine.
type ConditionEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, input any) (bool, error)
}

// Evaluator selects Choice transitions. Rules are tested in declared order
// and the first match wins.
// Thread-safe: parsed paths and glob patterns are cached.
type Evaluator struct {
	cond ConditionEvaluator

	mu    sync.RWMutex
	paths map[string]expressions.Path
	globs map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. cond may be nil, in which case
// condition rules never match.
func NewEvaluator(cond ConditionEvaluator) *Evaluator {
	return &Evaluator{
		cond:  cond,
		paths: make(map[string]expressions.Path),
		globs: make(map[string]*regexp.Regexp),
	}
}

// Evaluate returns the target of the first matching rule, falling back to
// def. With no match and no default it fails with CHOICE_NO_MATCH.
func (e *Evaluator) Evaluate(ctx context.Context, rules []schema.ChoiceRule, def string, input any) (Selection, error) {
	for i := range rules {
		if e.Match(ctx, &rules[i], input) {
			return Selection{Next: rules[i].Next, Index: i}, nil
		}
	}
	if def != "" {
		return Selection{Next: def, Index: DefaultIndex}, nil
	}
	return Selection{}, schema.NewErrorf(schema.ErrCodeChoiceNoMatch,
		"no choice rule matched and no default is set (%d rules evaluated)", len(rules)).
		WithKind(schema.KindNoChoiceMatched)
}

// Match evaluates a single rule tree. Evaluation never fails: missing data
// and type mismatches are non-matches.
func (e *Evaluator) Match(ctx context.Context, r *schema.ChoiceRule, input any) bool {
	switch r.Kind() {
	case schema.RuleAnd:
		for i := range r.And {
			if !e.Match(ctx, &r.And[i], input) {
				return false
			}
		}
		return true
	case schema.RuleOr:
		for i := range r.Or {
			if e.Match(ctx, &r.Or[i], input) {
				return true
			}
		}
		return false
	case schema.RuleNot:
		return !e.Match(ctx, r.Not, input)
	case schema.RuleCondition:
		if e.cond == nil {
			return false
		}
		ok, err := e.cond.EvaluateBool(ctx, r.Condition, input)
		return err == nil && ok
	case schema.RuleLeaf:
		return e.matchLeaf(r, input)
	default:
		return false
	}
}

func (e *Evaluator) matchLeaf(r *schema.ChoiceRule, input any) bool {
	info, ok := schema.LookupOperator(r.Operator)
	if !ok {
		return false
	}
	path, ok := e.path(r.Variable)
	if !ok {
		return false
	}
	value, present := path.Lookup(input)

	if info.Operand == schema.OperandTypeTest {
		want, ok := r.Value.(bool)
		if !ok {
			return false
		}
		if info.Cmp == schema.CmpIsPresent {
			return present == want
		}
		if !present {
			return false
		}
		return typeTest(info.Cmp, value) == want
	}

	if !present {
		return false
	}

	operand := r.Value
	if info.Path {
		ref, ok := r.Value.(string)
		if !ok {
			return false
		}
		rp, ok := e.path(ref)
		if !ok {
			return false
		}
		operand, ok = rp.Lookup(input)
		if !ok {
			return false
		}
	}

	switch info.Operand {
	case schema.OperandString:
		a, ok1 := value.(string)
		b, ok2 := operand.(string)
		if !ok1 || !ok2 {
			return false
		}
		if info.Cmp == schema.CmpMatches {
			re := e.glob(b)
			return re != nil && re.MatchString(a)
		}
		return compare(info.Cmp, strings.Compare(a, b))
	case schema.OperandNumeric:
		a, ok1 := toFloat(value)
		b, ok2 := toFloat(operand)
		if !ok1 || !ok2 {
			return false
		}
		return compare(info.Cmp, cmpFloat(a, b))
	case schema.OperandBoolean:
		a, ok1 := value.(bool)
		b, ok2 := operand.(bool)
		return ok1 && ok2 && a == b
	case schema.OperandTimestamp:
		a, ok1 := toTime(value)
		b, ok2 := toTime(operand)
		if !ok1 || !ok2 {
			return false
		}
		return compare(info.Cmp, a.Compare(b))
	}
	return false
}

func typeTest(cmp schema.Comparison, v any) bool {
	switch cmp {
	case schema.CmpIsNull:
		return v == nil
	case schema.CmpIsNumeric:
		_, ok := toFloat(v)
		return ok
	case schema.CmpIsString:
		_, ok := v.(string)
		return ok
	case schema.CmpIsBoolean:
		_, ok := v.(bool)
		return ok
	case schema.CmpIsTimestamp:
		_, ok := toTime(v)
		return ok
	}
	return false
}

func compare(cmp schema.Comparison, c int) bool {
	switch cmp {
	case schema.CmpEquals:
		return c == 0
	case schema.CmpLessThan:
		return c < 0
	case schema.CmpGreaterThan:
		return c > 0
	case schema.CmpLessThanEq:
		return c <= 0
	case schema.CmpGreaterThanEq:
		return c >= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (e *Evaluator) path(raw string) (expressions.Path, bool) {
	e.mu.RLock()
	p, ok := e.paths[raw]
	e.mu.RUnlock()
	if ok {
		return p, true
	}
	p, err := expressions.ParsePath(raw)
	if err != nil {
		return expressions.Path{}, false
	}
	e.mu.Lock()
	e.paths[raw] = p
	e.mu.Unlock()
	return p, true
}

func (e *Evaluator) glob(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.globs[pattern]
	e.mu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(GlobToRegexp(pattern))
	if err != nil {
		return nil
	}
	e.mu.Lock()
	e.globs[pattern] = re
	e.mu.Unlock()
	return re
}

// GlobToRegexp translates a string_matches pattern into an anchored regular
// expression. "*" matches any run of characters; "\*" is a literal star and
// "\\" a literal backslash.
func GlobToRegexp(pattern string) string {
	runes := []rune(pattern)
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes) && (runes[i+1] == '*' || runes[i+1] == '\\'):
			b.WriteString(regexp.QuoteMeta(string(runes[i+1])))
			i++
		case c == '*':
			b.WriteString("(?s:.*)")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return b.String()
}
