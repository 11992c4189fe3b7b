package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func okFunc(name string) Function {
	return FuncOf(name, "returns ok", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okFunc("test.fn")))
	assert.True(t, reg.Has("test.fn"))

	err := reg.Register(okFunc("test.fn"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(nil)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(okFunc(""))))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(okFunc(n)))
	}
	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "returns ok", infos[0].Description)
	assert.Equal(t, "c", infos[2].Name)
}

func TestRegistry_Invoke(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okFunc("ok")))

	res, err := reg.Invoke(context.Background(), Request{FunctionID: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.NotEmpty(t, res.InvocationID)
}

func TestRegistry_Invoke_Unknown(t *testing.T) {
	_, err := NewRegistry().Invoke(context.Background(), Request{FunctionID: "nope"})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvocation, fe.Code)
	assert.Equal(t, schema.KindTaskFailed, fe.ErrorKind())
	assert.Contains(t, fe.Message, `"nope"`)
}

func TestRegistry_Invoke_ErrorMapping(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(FuncOf("plain", "", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("disk on fire")
	})))
	require.NoError(t, reg.Register(FuncOf("custom", "", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Failure("Payment.Declined", "card rejected")
	})))
	require.NoError(t, reg.Register(FuncOf("other-code", "", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, schema.NewError(schema.ErrCodeExpression, "bad expr")
	})))
	require.NoError(t, reg.Register(FuncOf("blocks", "", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	tests := []struct {
		name     string
		fn       string
		ctx      func() (context.Context, context.CancelFunc)
		wantCode string
		wantKind string
	}{
		{"plain error", "plain", nil, schema.ErrCodeInvocation, schema.KindTaskFailed},
		{"custom kind", "custom", nil, schema.ErrCodeInvocation, "Payment.Declined"},
		{"other flow error", "other-code", nil, schema.ErrCodeInvocation, schema.KindTaskFailed},
		{"cancelled", "blocks", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		}, schema.ErrCodeCancelled, schema.KindCancelled},
		{"deadline", "blocks", func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 0)
		}, schema.ErrCodeTimeout, schema.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.ctx != nil {
				var cancel context.CancelFunc
				ctx, cancel = tt.ctx()
				defer cancel()
			}
			_, err := reg.Invoke(ctx, Request{FunctionID: tt.fn})
			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantCode, fe.Code)
			assert.Equal(t, tt.wantKind, fe.ErrorKind())
		})
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(okFunc(string(rune('a' + i))))
			_ = reg.List()
			_, _ = reg.Invoke(context.Background(), Request{FunctionID: "a"})
		}(i)
	}
	wg.Wait()
	assert.Len(t, reg.List(), 20)
}

func TestHeartbeat(t *testing.T) {
	Heartbeat(context.Background()) // no watchdog installed

	beats := 0
	ctx := WithHeartbeat(context.Background(), func() { beats++ })
	Heartbeat(ctx)
	Heartbeat(ctx)
	assert.Equal(t, 2, beats)
}

func TestRouter(t *testing.T) {
	local := NewRegistry()
	require.NoError(t, local.Register(okFunc("local.fn")))

	remote := NewRegistry()
	require.NoError(t, remote.Register(FuncOf("remote.fn", "", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"remote"`), nil
	})))

	r := NewRouter(local, remote)
	res, err := r.Invoke(context.Background(), Request{FunctionID: "local.fn"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))

	res, err = r.Invoke(context.Background(), Request{FunctionID: "remote.fn"})
	require.NoError(t, err)
	assert.JSONEq(t, `"remote"`, string(res.Output))

	_, err = NewRouter(local, nil).Invoke(context.Background(), Request{FunctionID: "remote.fn"})
	assert.Equal(t, schema.ErrCodeInvocation, schema.CodeOf(err))
}
