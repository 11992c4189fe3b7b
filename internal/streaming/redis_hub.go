package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisHub fans execution events out across processes over Redis pub/sub.
// Each execution publishes on its own channel, "<prefix>:events:<execution_id>".
type RedisHub struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisHubOption configures a RedisHub.
type RedisHubOption func(*RedisHub)

// WithChannelPrefix sets the channel prefix. Default is "stateflow".
func WithChannelPrefix(prefix string) RedisHubOption {
	return func(h *RedisHub) {
		h.prefix = prefix
	}
}

// WithHubLogger sets the logger used for undecodable messages.
func WithHubLogger(logger *slog.Logger) RedisHubOption {
	return func(h *RedisHub) {
		h.logger = logger
	}
}

// NewRedisHub creates a hub on top of an existing client.
func NewRedisHub(client *redis.Client, opts ...RedisHubOption) *RedisHub {
	h := &RedisHub{
		client: client,
		prefix: "stateflow",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *RedisHub) channel(executionID string) string {
	return fmt.Sprintf("%s:events:%s", h.prefix, executionID)
}

// Publish encodes the event as JSON and publishes it on the execution channel.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel(event.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe listens on one execution channel, or on all of them when the
// filter has no execution ID. The subscription is confirmed before
// Subscribe returns, so events published afterwards are not missed.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var pubsub *redis.PubSub
	if filter.ExecutionID != "" {
		pubsub = h.client.Subscribe(ctx, h.channel(filter.ExecutionID))
	} else {
		pubsub = h.client.PSubscribe(ctx, h.channel("*"))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			var event StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("dropping undecodable stream event", "channel", msg.Channel, "error", err)
				continue
			}
			if !matchFilter(filter, event) {
				continue
			}
			select {
			case out <- event:
			default:
				// slow subscriber
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	if ctx.Done() != nil {
		context.AfterFunc(ctx, cancel)
	}
	return out, cancel, nil
}

var (
	_ EventHub = (*RedisHub)(nil)
	_ EventHub = (*MemoryHub)(nil)
)
