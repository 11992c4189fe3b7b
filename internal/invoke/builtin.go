package invoke

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

// BuiltinConfig configures the built-in functions.
type BuiltinConfig struct {
	HTTP HTTPConfig
}

// RegisterBuiltins registers all built-in functions in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()

	all := []Function{
		FuncOf("echo", "Return the payload unchanged", echo),
		FuncOf("fail", "Fail with the given error kind and cause", fail),
		FuncOf("sleep", "Sleep for ms milliseconds, heartbeating every heartbeat_ms", sleep),
		FuncOf("expr.eval", "Evaluate an Expr expression against data", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return exprEval(ctx, exprEngine, payload)
		}),
		FuncOf("jq.transform", "Apply a jq filter to data", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return jqTransform(ctx, jqEngine, payload)
		}),
		FuncOf("crypto.hash", "Compute a cryptographic hash of the input data", cryptoHash),
		newHTTPRequestFunction(cfg.HTTP),
	}

	for _, fn := range all {
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

// decodeParams decodes an object payload. An empty payload yields an empty map.
func decodeParams(name string, payload json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(payload) == 0 || string(payload) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, Failure(schema.KindTaskFailed, name+": payload must be a JSON object")
	}
	return params, nil
}

func marshalOutput(name string, v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, Failure(schema.KindTaskFailed, name+": marshal output: "+err.Error())
	}
	return out, nil
}

// --- echo / fail / sleep ---

func echo(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return payload, nil
}

func fail(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("fail", payload)
	if err != nil {
		return nil, err
	}
	cause := stringParam(params, "cause", "function failed")
	return nil, Failure(stringParam(params, "error", schema.KindTaskFailed), cause)
}

func sleep(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("sleep", payload)
	if err != nil {
		return nil, err
	}
	d := time.Duration(intParam(params, "ms", 0)) * time.Millisecond
	every := time.Duration(intParam(params, "heartbeat_ms", 0)) * time.Millisecond

	timer := time.NewTimer(d)
	defer timer.Stop()

	var tick <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick:
			Heartbeat(ctx)
		case <-timer.C:
			return echo(ctx, payload)
		}
	}
}

// --- expr.eval / jq.transform ---

func exprEval(ctx context.Context, engine *expressions.ExprEngine, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("expr.eval", payload)
	if err != nil {
		return nil, err
	}
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, Failure(schema.KindTaskFailed, "expr.eval requires non-empty 'expression' string parameter")
	}

	// data is available as "data" and, when it is an object, its keys are
	// also top-level variables.
	scope := map[string]any{}
	if data, ok := params["data"]; ok {
		if m, isMap := data.(map[string]any); isMap {
			for k, v := range m {
				scope[k] = v
			}
		}
		scope["data"] = data
	}

	result, err := engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return marshalOutput("expr.eval", map[string]any{"result": result})
}

func jqTransform(ctx context.Context, engine *expressions.GoJQEngine, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("jq.transform", payload)
	if err != nil {
		return nil, err
	}
	filter := stringParam(params, "filter", "")
	if filter == "" {
		return nil, Failure(schema.KindTaskFailed, "jq.transform requires non-empty 'filter' string parameter")
	}
	result, err := engine.Transform(ctx, filter, params["data"])
	if err != nil {
		return nil, err
	}
	return marshalOutput("jq.transform", map[string]any{"result": result})
}

// --- crypto.hash ---

func hashFunc(algorithm string) (func() hash.Hash, bool) {
	switch algorithm {
	case "sha256":
		return sha256.New, true
	case "sha512":
		return sha512.New, true
	case "sha384":
		return sha512.New384, true
	case "md5":
		return md5.New, true
	case "sha1":
		return sha1.New, true
	}
	return nil, false
}

func cryptoHash(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("crypto.hash", payload)
	if err != nil {
		return nil, err
	}
	data, ok := params["data"].(string)
	if !ok {
		return nil, Failure(schema.KindTaskFailed, "crypto.hash requires 'data' string parameter")
	}
	algorithm := stringParam(params, "algorithm", "sha256")
	newHash, ok := hashFunc(algorithm)
	if !ok {
		return nil, Failure(schema.KindTaskFailed, "unsupported hash algorithm: "+algorithm)
	}

	h := newHash()
	h.Write([]byte(data))
	return marshalOutput("crypto.hash", map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	})
}

// Param helpers used by the builtin functions.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}
