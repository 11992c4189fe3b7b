package expressions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/stateflow/pkg/schema"
)

// Path is a compiled reference into a JSON document.
// Supported syntax: "$", "$.a.b", "$.items[0].name", "$['key with.dots']".
type Path struct {
	raw  string
	segs []any // string keys and int indexes
}

// ParsePath compiles a path expression.
func ParsePath(s string) (Path, error) {
	if s == "" || s[0] != '$' {
		return Path{}, fmt.Errorf("path %q must start with '$'", s)
	}
	p := Path{raw: s}
	i := 1
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' {
				i++
			}
			if start == i {
				return Path{}, fmt.Errorf("path %q: empty key at offset %d", s, start)
			}
			p.segs = append(p.segs, s[start:i])
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return Path{}, fmt.Errorf("path %q: unclosed '['", s)
			}
			inner := s[i+1 : i+end]
			i += end + 1
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				p.segs = append(p.segs, inner[1:len(inner)-1])
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return Path{}, fmt.Errorf("path %q: invalid index %q", s, inner)
			}
			p.segs = append(p.segs, idx)
		default:
			return Path{}, fmt.Errorf("path %q: unexpected %q at offset %d", s, s[i], i)
		}
	}
	return p, nil
}

// MustParsePath is ParsePath for static paths; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	if p.raw == "" {
		return "$"
	}
	return p.raw
}

// IsRoot reports whether the path addresses the whole document.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// Lookup resolves the path against doc. The second result is false when
// any segment is missing, which callers treat as "not present".
func (p Path) Lookup(doc any) (any, bool) {
	cur := doc
	for _, seg := range p.segs {
		switch key := seg.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case int:
			arr, ok := cur.([]any)
			if !ok || key >= len(arr) {
				return nil, false
			}
			cur = arr[key]
		}
	}
	return cur, true
}

var (
	setPathOnce sync.Once
	setPathCode *gojq.Code
	setPathErr  error
)

func compileSetPath() {
	query, err := gojq.Parse("setpath($p; $v)")
	if err != nil {
		setPathErr = err
		return
	}
	setPathCode, setPathErr = gojq.Compile(query,
		gojq.WithVariables([]string{"$p", "$v"}),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
}

// Set returns a copy of doc with value written at the path. Intermediate
// objects are created as needed; writing through a scalar fails.
// The input document is not modified.
func (p Path) Set(ctx context.Context, doc, value any) (any, error) {
	if p.IsRoot() {
		return value, nil
	}
	setPathOnce.Do(compileSetPath)
	if setPathErr != nil {
		return nil, schema.NewError(schema.ErrCodeDataPath, "compile setpath").WithCause(setPathErr)
	}

	segs := make([]any, len(p.segs))
	copy(segs, p.segs)

	iter := setPathCode.RunWithContext(ctx, normalizeForJQ(doc), segs, normalizeForJQ(value))
	out, ok := iter.Next()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataPath, "cannot set %s: no result", p)
	}
	if err, isErr := out.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeDataPath, "cannot set %s: %s", p, err.Error()).WithCause(err)
	}
	return out, nil
}
