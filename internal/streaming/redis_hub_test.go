package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisHub(t *testing.T, opts ...RedisHubOption) (*RedisHub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHub(client, opts...), mr
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	hub, _ := setupRedisHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		ExecutionID: "exec-1",
		State:       "Charge",
		EventType:   "state_entered",
		Sequence:    2,
		Payload:     json.RawMessage(`{"attempt":1}`),
	}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "state_entered"}))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "Charge", got.State)
	assert.Equal(t, int64(2), got.Sequence)
	assert.JSONEq(t, `{"attempt":1}`, string(got.Payload))
	assertQuiet(t, ch)
}

func TestRedisHub_PatternSubscribeWithTypeFilter(t *testing.T) {
	hub, _ := setupRedisHub(t, WithChannelPrefix("test"))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"execution_succeeded"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "a", EventType: "state_entered"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "b", EventType: "execution_succeeded"}))

	got := receive(t, ch)
	assert.Equal(t, "b", got.ExecutionID)
	assertQuiet(t, ch)
}

func TestRedisHub_ChannelNaming(t *testing.T) {
	hub, mr := setupRedisHub(t, WithChannelPrefix("sf"))
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-9"})
	require.NoError(t, err)
	defer cancel()

	assert.Contains(t, mr.PubSubChannels(""), "sf:events:exec-9")
}

func TestRedisHub_CancelClosesChannel(t *testing.T) {
	hub, _ := setupRedisHub(t)

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisHub_SubscribeCancelledContext(t *testing.T) {
	hub, _ := setupRedisHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisHub_PublishServerDown(t *testing.T) {
	hub, mr := setupRedisHub(t)
	mr.Close()

	err := hub.Publish(context.Background(), StreamEvent{ExecutionID: "x", EventType: "tick"})
	assert.Error(t, err)
}
