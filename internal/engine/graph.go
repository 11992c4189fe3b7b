package engine

import (
	"encoding/json"
	"strconv"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

// graph is the read-only, pre-compiled form of one state graph: the
// top-level definition or a Parallel branch.
type graph struct {
	startAt string
	states  map[string]*node
}

// node is a state with its paths parsed and its static result decoded.
type node struct {
	name string
	*schema.State

	inputPath  expressions.Path
	resultPath expressions.Path
	outputPath expressions.Path

	secondsPath   *expressions.Path
	timestampPath *expressions.Path

	result    any
	hasResult bool

	// catchPaths[i] is nil when catcher i has no result_path.
	catchPaths []*expressions.Path
	branches   []*graph
}

// compileGraph builds the graph of a validated definition.
func compileGraph(def *schema.WorkflowDefinition) (*graph, error) {
	return compileScope(def.StartAt, def.States, "")
}

func compileScope(startAt string, states map[string]*schema.State, prefix string) (*graph, error) {
	g := &graph{startAt: startAt, states: make(map[string]*node, len(states))}
	for name, st := range states {
		n, err := compileNode(name, st, prefix)
		if err != nil {
			return nil, err
		}
		g.states[name] = n
	}
	if _, ok := g.states[startAt]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStateNotFound, "start state %q not found", startAt).
			WithState(prefix + startAt)
	}
	return g, nil
}

func compileNode(name string, st *schema.State, prefix string) (*node, error) {
	n := &node{name: name, State: st}
	fail := func(field string, err error) error {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", field, err.Error()).
			WithState(prefix + name).WithCause(err)
	}

	var err error
	if n.inputPath, err = parseOptionalPath(st.InputPath); err != nil {
		return nil, fail("input_path", err)
	}
	if n.resultPath, err = parseOptionalPath(st.ResultPath); err != nil {
		return nil, fail("result_path", err)
	}
	if n.outputPath, err = parseOptionalPath(st.OutputPath); err != nil {
		return nil, fail("output_path", err)
	}
	if st.SecondsPath != "" {
		p, err := expressions.ParsePath(st.SecondsPath)
		if err != nil {
			return nil, fail("seconds_path", err)
		}
		n.secondsPath = &p
	}
	if st.TimestampPath != "" {
		p, err := expressions.ParsePath(st.TimestampPath)
		if err != nil {
			return nil, fail("timestamp_path", err)
		}
		n.timestampPath = &p
	}

	if len(st.Result) > 0 {
		if err := json.Unmarshal(st.Result, &n.result); err != nil {
			return nil, fail("result", err)
		}
		n.hasResult = true
	}

	n.catchPaths = make([]*expressions.Path, len(st.Catch))
	for i, c := range st.Catch {
		if c.ResultPath == "" {
			continue
		}
		p, err := expressions.ParsePath(c.ResultPath)
		if err != nil {
			return nil, fail("catch result_path", err)
		}
		n.catchPaths[i] = &p
	}

	for i, b := range st.Branches {
		bg, err := compileScope(b.StartAt, b.States, branchPrefix(prefix, name, i))
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, bg)
	}
	return n, nil
}

func parseOptionalPath(raw string) (expressions.Path, error) {
	if raw == "" {
		return expressions.MustParsePath("$"), nil
	}
	return expressions.ParsePath(raw)
}

func branchPrefix(prefix, parallel string, index int) string {
	return prefix + parallel + "/branches[" + strconv.Itoa(index) + "]/"
}

// catchPath returns the compiled result_path of the catcher, or nil.
func (n *node) catchPath(c *schema.CatchConfig) *expressions.Path {
	for i := range n.Catch {
		if &n.Catch[i] == c {
			return n.catchPaths[i]
		}
	}
	return nil
}
