package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

// ConditionChecker compiles Choice condition expressions without running them.
// Satisfied by *expressions.CELEngine.
type ConditionChecker interface {
	Compile(expression string) error
}

// graphScope is one state graph: the top-level definition or a Parallel branch.
type graphScope struct {
	path    string // issue path prefix, "" for the top level
	startAt string
	states  map[string]*schema.State
}

func (g graphScope) at(suffix string) string {
	if g.path == "" {
		return suffix
	}
	return g.path + "." + suffix
}

// sortedNames returns state names in a stable order so issues are reported
// deterministically.
func sortedNames(states map[string]*schema.State) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateSemantic checks references, per-type field rules, retry and catch
// policies, data paths and, recursively, every Parallel branch.
func validateSemantic(def *schema.WorkflowDefinition, cond ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	validateScope(graphScope{startAt: def.StartAt, states: def.States}, cond, result)
	return result
}

func validateScope(g graphScope, cond ConditionChecker, result *schema.ValidationResult) {
	if len(g.states) == 0 {
		result.AddError(g.at("states"), schema.ErrCodeValidation, "states must not be empty")
		return
	}
	if g.startAt == "" {
		result.AddError(g.at("start_at"), schema.ErrCodeValidation, "start_at is required")
	} else if _, ok := g.states[g.startAt]; !ok {
		result.AddError(g.at("start_at"), schema.ErrCodeStateNotFound,
			fmt.Sprintf("start_at references unknown state %q", g.startAt))
	}

	for _, name := range sortedNames(g.states) {
		st := g.states[name]
		path := g.at("states." + name)
		if name == "" {
			result.AddError(path, schema.ErrCodeValidation, "state name must not be empty")
		}
		if st == nil {
			result.AddError(path, schema.ErrCodeValidation, "state is empty")
			continue
		}
		validateState(g, name, st, path, cond, result)
	}
}

func validateState(g graphScope, name string, st *schema.State, path string, cond ConditionChecker, result *schema.ValidationResult) {
	ref := func(field, target string) {
		if _, ok := g.states[target]; !ok {
			result.AddError(path+"."+field, schema.ErrCodeStateNotFound,
				fmt.Sprintf("state %q: %s references unknown state %q", name, field, target))
		}
	}
	forbid := func(field string, set bool) {
		if set {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("state %q: field %s is not allowed on a %s state", name, field, st.Type))
		}
	}

	if !st.Type.Valid() {
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: unknown type %q", name, st.Type))
		return
	}

	// Transition fields.
	switch st.Type {
	case schema.StateTask, schema.StateWait, schema.StateParallel, schema.StatePass:
		switch {
		case st.Next != "" && st.End:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("state %q: next and end are mutually exclusive", name))
		case st.Next == "" && !st.End:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("state %q: one of next or end is required", name))
		case st.Next != "":
			ref("next", st.Next)
		}
	case schema.StateChoice, schema.StateFail, schema.StateSucceed:
		forbid("next", st.Next != "")
		forbid("end", st.End)
	}

	// Fields that belong to other state types.
	isTask := st.Type == schema.StateTask
	hasPolicies := isTask || st.Type == schema.StateParallel
	forbid("function_id", !isTask && st.FunctionID != "")
	forbid("timeout_sec", !isTask && st.TimeoutSec != 0)
	forbid("heartbeat_sec", !isTask && st.HeartbeatSec != 0)
	forbid("retry", !hasPolicies && len(st.Retry) > 0)
	forbid("catch", !hasPolicies && len(st.Catch) > 0)
	forbid("choices", st.Type != schema.StateChoice && len(st.Choices) > 0)
	forbid("default", st.Type != schema.StateChoice && st.Default != "")
	isWait := st.Type == schema.StateWait
	forbid("seconds", !isWait && st.Seconds != nil)
	forbid("timestamp", !isWait && st.Timestamp != "")
	forbid("seconds_path", !isWait && st.SecondsPath != "")
	forbid("timestamp_path", !isWait && st.TimestampPath != "")
	forbid("branches", st.Type != schema.StateParallel && len(st.Branches) > 0)
	forbid("result", st.Type != schema.StatePass && len(st.Result) > 0)
	forbid("error", st.Type != schema.StateFail && st.Error != "")
	forbid("cause", st.Type != schema.StateFail && st.Cause != "")
	canShapeResult := isTask || st.Type == schema.StateParallel || st.Type == schema.StatePass
	forbid("result_path", !canShapeResult && st.ResultPath != "")
	forbid("input_path", st.Type == schema.StateFail && st.InputPath != "")
	forbid("output_path", st.Type == schema.StateFail && st.OutputPath != "")

	checkPath(path+".input_path", name, st.InputPath, result)
	checkPath(path+".result_path", name, st.ResultPath, result)
	checkPath(path+".output_path", name, st.OutputPath, result)

	switch st.Type {
	case schema.StateTask:
		if st.FunctionID == "" {
			result.AddError(path+".function_id", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: Task requires function_id", name))
		}
		if st.HeartbeatSec > 0 && st.TimeoutSec > 0 && st.HeartbeatSec >= st.TimeoutSec {
			result.AddError(path+".heartbeat_sec", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: heartbeat_sec must be smaller than timeout_sec", name))
		}
	case schema.StateChoice:
		validateChoice(name, st, path, cond, result, ref)
	case schema.StateWait:
		validateWait(name, st, path, result)
	case schema.StateParallel:
		if len(st.Branches) == 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: Parallel requires at least one branch", name))
		}
		for i := range st.Branches {
			b := &st.Branches[i]
			validateScope(graphScope{
				path:    fmt.Sprintf("%s.branches[%d]", path, i),
				startAt: b.StartAt,
				states:  b.States,
			}, cond, result)
		}
	}

	if hasPolicies {
		validateRetry(name, st.Retry, path, result)
		validateCatch(name, st.Catch, path, result, ref)
	}
}

func validateChoice(name string, st *schema.State, path string, cond ConditionChecker, result *schema.ValidationResult, ref func(field, target string)) {
	if len(st.Choices) == 0 && st.Default == "" {
		result.AddWarning(path+".choices", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: Choice has no rules and no default; it always fails", name))
	}
	for i := range st.Choices {
		rp := fmt.Sprintf("%s.choices[%d]", path, i)
		r := &st.Choices[i]
		if r.Next == "" {
			result.AddError(rp+".next", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: choice rule %d requires next", name, i))
		} else {
			ref(fmt.Sprintf("choices[%d].next", i), r.Next)
		}
		validateRule(name, r, rp, true, cond, result)
	}
	if st.Default != "" {
		ref("default", st.Default)
	}
}

func validateRule(name string, r *schema.ChoiceRule, path string, top bool, cond ConditionChecker, result *schema.ValidationResult) {
	if !top && r.Next != "" {
		result.AddError(path+".next", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: next is only allowed on top-level choice rules", name))
	}

	switch r.Kind() {
	case schema.RuleInvalid:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("state %q: choice rule must hold exactly one of an operator, and, or, not, condition", name))
	case schema.RuleAnd:
		if len(r.And) == 0 {
			result.AddError(path+".and", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: and requires at least one rule", name))
		}
		for i := range r.And {
			validateRule(name, &r.And[i], fmt.Sprintf("%s.and[%d]", path, i), false, cond, result)
		}
	case schema.RuleOr:
		if len(r.Or) == 0 {
			result.AddError(path+".or", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: or requires at least one rule", name))
		}
		for i := range r.Or {
			validateRule(name, &r.Or[i], fmt.Sprintf("%s.or[%d]", path, i), false, cond, result)
		}
	case schema.RuleNot:
		validateRule(name, r.Not, path+".not", false, cond, result)
	case schema.RuleCondition:
		if r.Variable != "" {
			result.AddError(path+".variable", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: condition rules take no variable", name))
		}
		if cond != nil {
			if err := cond.Compile(r.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("state %q: invalid condition: %s", name, err.Error()))
			}
		}
	case schema.RuleLeaf:
		validateLeaf(name, r, path, result)
	}

	if r.Kind() != schema.RuleLeaf && r.Kind() != schema.RuleCondition && r.Variable != "" {
		result.AddError(path+".variable", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: variable is only allowed on comparison rules", name))
	}
}

func validateLeaf(name string, r *schema.ChoiceRule, path string, result *schema.ValidationResult) {
	info, _ := schema.LookupOperator(r.Operator)
	if r.Variable == "" {
		result.AddError(path+".variable", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: %s requires variable", name, r.Operator))
	} else {
		checkPath(path+".variable", name, r.Variable, result)
	}

	bad := func(want string) {
		result.AddError(path+"."+r.Operator, schema.ErrCodeValidation,
			fmt.Sprintf("state %q: %s expects %s, got %T", name, r.Operator, want, r.Value))
	}

	if info.Path {
		s, ok := r.Value.(string)
		if !ok {
			bad("a path string")
			return
		}
		checkPath(path+"."+r.Operator, name, s, result)
		return
	}

	switch info.Operand {
	case schema.OperandString:
		if _, ok := r.Value.(string); !ok {
			bad("a string")
		}
	case schema.OperandNumeric:
		switch r.Value.(type) {
		case float64, int, int64:
		default:
			bad("a number")
		}
	case schema.OperandBoolean, schema.OperandTypeTest:
		if _, ok := r.Value.(bool); !ok {
			bad("a boolean")
		}
	case schema.OperandTimestamp:
		s, ok := r.Value.(string)
		if !ok {
			bad("an RFC 3339 timestamp")
			return
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			bad("an RFC 3339 timestamp")
		}
	}
}

func validateWait(name string, st *schema.State, path string, result *schema.ValidationResult) {
	sources := 0
	if st.Seconds != nil {
		sources++
		if *st.Seconds < 0 {
			result.AddError(path+".seconds", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: seconds must not be negative", name))
		}
	}
	if st.Timestamp != "" {
		sources++
		if _, err := time.Parse(time.RFC3339Nano, st.Timestamp); err != nil {
			result.AddError(path+".timestamp", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: timestamp %q is not RFC 3339", name, st.Timestamp))
		}
	}
	if st.SecondsPath != "" {
		sources++
		checkPath(path+".seconds_path", name, st.SecondsPath, result)
	}
	if st.TimestampPath != "" {
		sources++
		checkPath(path+".timestamp_path", name, st.TimestampPath, result)
	}
	if sources != 1 {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("state %q: Wait requires exactly one of seconds, timestamp, seconds_path, timestamp_path (got %d)", name, sources))
	}
}

func validateRetry(name string, policies []schema.RetryPolicy, path string, result *schema.ValidationResult) {
	for i, p := range policies {
		pp := fmt.Sprintf("%s.retry[%d]", path, i)
		validateErrorEquals(name, p.ErrorEquals, pp, i == len(policies)-1, result)
		if p.MaxAttempts <= 0 {
			result.AddError(pp+".max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: max_attempts must be positive", name))
		}
		if p.BackoffRate <= 0 {
			result.AddError(pp+".backoff_rate", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: backoff_rate must be positive", name))
		}
		if p.IntervalSeconds < 0 {
			result.AddError(pp+".interval_seconds", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: interval_seconds must not be negative", name))
		}
	}
}

func validateCatch(name string, catches []schema.CatchConfig, path string, result *schema.ValidationResult, ref func(field, target string)) {
	for i, c := range catches {
		cp := fmt.Sprintf("%s.catch[%d]", path, i)
		validateErrorEquals(name, c.ErrorEquals, cp, i == len(catches)-1, result)
		if c.Next == "" {
			result.AddError(cp+".next", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: catch %d requires next", name, i))
		} else {
			ref(fmt.Sprintf("catch[%d].next", i), c.Next)
		}
		checkPath(cp+".result_path", name, c.ResultPath, result)
	}
}

// validateErrorEquals requires a non-empty list where States.ALL, if used,
// stands alone in the last policy.
func validateErrorEquals(name string, names []string, path string, last bool, result *schema.ValidationResult) {
	if len(names) == 0 {
		result.AddError(path+".error_equals", schema.ErrCodeValidation,
			fmt.Sprintf("state %q: error_equals must not be empty", name))
		return
	}
	for _, n := range names {
		if n != schema.KindAll {
			continue
		}
		if len(names) > 1 {
			result.AddError(path+".error_equals", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: %s must appear alone", name, schema.KindAll))
		}
		if !last {
			result.AddError(path+".error_equals", schema.ErrCodeValidation,
				fmt.Sprintf("state %q: %s must be in the last policy", name, schema.KindAll))
		}
	}
}

func checkPath(path, name, raw string, result *schema.ValidationResult) {
	if raw == "" {
		return
	}
	if _, err := expressions.ParsePath(raw); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("state %q: %s", name, err.Error()))
	}
}
