package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OperandType is the value family a comparison operator works on.
type OperandType string

const (
	OperandString    OperandType = "string"
	OperandNumeric   OperandType = "numeric"
	OperandBoolean   OperandType = "boolean"
	OperandTimestamp OperandType = "timestamp"
	OperandTypeTest  OperandType = "type_test"
)

// Comparison is the relation tested by a leaf rule.
type Comparison string

const (
	CmpEquals        Comparison = "equals"
	CmpLessThan      Comparison = "less_than"
	CmpGreaterThan   Comparison = "greater_than"
	CmpLessThanEq    Comparison = "less_than_equals"
	CmpGreaterThanEq Comparison = "greater_than_equals"
	CmpMatches       Comparison = "matches"

	CmpIsNull      Comparison = "is_null"
	CmpIsPresent   Comparison = "is_present"
	CmpIsNumeric   Comparison = "is_numeric"
	CmpIsString    Comparison = "is_string"
	CmpIsBoolean   Comparison = "is_boolean"
	CmpIsTimestamp Comparison = "is_timestamp"
)

// OperatorInfo describes a leaf operator key such as "numeric_greater_than".
type OperatorInfo struct {
	Name    string
	Operand OperandType
	Cmp     Comparison
	Path    bool // the operand is a path into the data, not a literal
}

var operators = buildOperators()

func buildOperators() map[string]OperatorInfo {
	ops := make(map[string]OperatorInfo)
	ordered := []Comparison{CmpEquals, CmpLessThan, CmpGreaterThan, CmpLessThanEq, CmpGreaterThanEq}
	for _, family := range []OperandType{OperandString, OperandNumeric, OperandTimestamp} {
		for _, cmp := range ordered {
			name := string(family) + "_" + string(cmp)
			ops[name] = OperatorInfo{Name: name, Operand: family, Cmp: cmp}
			ops[name+"_path"] = OperatorInfo{Name: name + "_path", Operand: family, Cmp: cmp, Path: true}
		}
	}
	ops["string_matches"] = OperatorInfo{Name: "string_matches", Operand: OperandString, Cmp: CmpMatches}
	ops["boolean_equals"] = OperatorInfo{Name: "boolean_equals", Operand: OperandBoolean, Cmp: CmpEquals}
	ops["boolean_equals_path"] = OperatorInfo{Name: "boolean_equals_path", Operand: OperandBoolean, Cmp: CmpEquals, Path: true}
	for _, cmp := range []Comparison{CmpIsNull, CmpIsPresent, CmpIsNumeric, CmpIsString, CmpIsBoolean, CmpIsTimestamp} {
		ops[string(cmp)] = OperatorInfo{Name: string(cmp), Operand: OperandTypeTest, Cmp: cmp}
	}
	return ops
}

// LookupOperator returns the metadata for a leaf operator key.
func LookupOperator(name string) (OperatorInfo, bool) {
	info, ok := operators[name]
	return info, ok
}

// OperatorNames returns all known operator keys, sorted.
func OperatorNames() []string {
	names := make([]string, 0, len(operators))
	for n := range operators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RuleKind identifies the variant held by a ChoiceRule.
type RuleKind string

const (
	RuleLeaf      RuleKind = "leaf"
	RuleAnd       RuleKind = "and"
	RuleOr        RuleKind = "or"
	RuleNot       RuleKind = "not"
	RuleCondition RuleKind = "condition"
	RuleInvalid   RuleKind = "invalid"
)

// ChoiceRule is a node of a Choice predicate tree. Exactly one variant is
// populated: a leaf (Variable + Operator + Value), And, Or, Not, or a CEL
// Condition. Next is only meaningful on the top-level rules of a Choice.
type ChoiceRule struct {
	Variable  string
	Operator  string
	Value     any
	And       []ChoiceRule
	Or        []ChoiceRule
	Not       *ChoiceRule
	Condition string
	Next      string
}

// Kind reports which variant the rule holds.
func (r *ChoiceRule) Kind() RuleKind {
	set := 0
	kind := RuleInvalid
	if r.Operator != "" {
		set++
		kind = RuleLeaf
	}
	if r.And != nil {
		set++
		kind = RuleAnd
	}
	if r.Or != nil {
		set++
		kind = RuleOr
	}
	if r.Not != nil {
		set++
		kind = RuleNot
	}
	if r.Condition != "" {
		set++
		kind = RuleCondition
	}
	if set != 1 {
		return RuleInvalid
	}
	return kind
}

var ruleStructuralKeys = map[string]struct{}{
	"variable": {}, "next": {}, "and": {}, "or": {}, "not": {}, "condition": {},
}

// UnmarshalJSON decodes the operator-keyed form, e.g.
// {"variable": "$.n", "numeric_greater_than": 0, "next": "Pos"}.
func (r *ChoiceRule) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("choice rule: %w", err)
	}

	out := ChoiceRule{}
	decode := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("choice rule %q: %w", key, err)
		}
		return nil
	}
	if err := decode("variable", &out.Variable); err != nil {
		return err
	}
	if err := decode("next", &out.Next); err != nil {
		return err
	}
	if err := decode("condition", &out.Condition); err != nil {
		return err
	}
	if raw, ok := fields["and"]; ok {
		out.And = []ChoiceRule{}
		if err := json.Unmarshal(raw, &out.And); err != nil {
			return fmt.Errorf("choice rule \"and\": %w", err)
		}
	}
	if raw, ok := fields["or"]; ok {
		out.Or = []ChoiceRule{}
		if err := json.Unmarshal(raw, &out.Or); err != nil {
			return fmt.Errorf("choice rule \"or\": %w", err)
		}
	}
	if raw, ok := fields["not"]; ok {
		out.Not = &ChoiceRule{}
		if err := json.Unmarshal(raw, out.Not); err != nil {
			return fmt.Errorf("choice rule \"not\": %w", err)
		}
	}

	var opKeys []string
	for key := range fields {
		if _, structural := ruleStructuralKeys[key]; structural {
			continue
		}
		if _, known := operators[key]; !known {
			return fmt.Errorf("choice rule: unknown key %q", key)
		}
		opKeys = append(opKeys, key)
	}
	if len(opKeys) > 1 {
		sort.Strings(opKeys)
		return fmt.Errorf("choice rule: multiple operators %s", strings.Join(opKeys, ", "))
	}
	if len(opKeys) == 1 {
		out.Operator = opKeys[0]
		if err := json.Unmarshal(fields[out.Operator], &out.Value); err != nil {
			return fmt.Errorf("choice rule %q: %w", out.Operator, err)
		}
	}

	*r = out
	return nil
}

// MarshalJSON encodes the rule back into its operator-keyed form.
func (r ChoiceRule) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if r.Variable != "" {
		m["variable"] = r.Variable
	}
	if r.Operator != "" {
		m[r.Operator] = r.Value
	}
	if r.And != nil {
		m["and"] = r.And
	}
	if r.Or != nil {
		m["or"] = r.Or
	}
	if r.Not != nil {
		m["not"] = r.Not
	}
	if r.Condition != "" {
		m["condition"] = r.Condition
	}
	if r.Next != "" {
		m["next"] = r.Next
	}
	return json.Marshal(m)
}
