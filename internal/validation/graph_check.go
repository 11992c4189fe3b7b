package validation

import (
	"fmt"

	"github.com/rendis/stateflow/pkg/schema"
)

// validateGraph performs reachability analysis on every scope: states not
// reachable from start_at are warnings, and a scope from which no terminal
// state can be reached is an error. Cycles are legal (Choice loops).
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkReachability(graphScope{startAt: def.StartAt, states: def.States}, result)
	return result
}

func checkReachability(g graphScope, result *schema.ValidationResult) {
	reachable := make(map[string]bool, len(g.states))
	queue := []string{g.startAt}
	reachable[g.startAt] = true
	terminal := false

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		st := g.states[name]
		if st == nil {
			continue // dangling refs already caught by semantic
		}
		if st.IsTerminal() {
			terminal = true
		}
		for _, next := range st.Transitions() {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	if !terminal {
		result.AddError(g.at("states"), schema.ErrCodeValidation,
			fmt.Sprintf("no terminal state is reachable from %q", g.startAt))
	}

	for _, name := range sortedNames(g.states) {
		st := g.states[name]
		if !reachable[name] {
			result.AddWarning(g.at("states."+name), schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from %q", name, g.startAt))
		}
		if st == nil || st.Type != schema.StateParallel {
			continue
		}
		for i := range st.Branches {
			b := &st.Branches[i]
			checkReachability(graphScope{
				path:    fmt.Sprintf("%s.branches[%d]", g.at("states."+name), i),
				startAt: b.StartAt,
				states:  b.States,
			}, result)
		}
	}
}
