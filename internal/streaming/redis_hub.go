package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "conduit:status"

// RedisHub is a Hub implementation backed by Redis pub/sub, for deployments
// where the engine and the status consumers run in separate processes.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisHub creates a hub on an existing Redis client.
func NewRedisHub(client *redis.Client, logger *slog.Logger) *RedisHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, logger: logger}
}

// Publish sends an event to the shared status channel. Fire-and-forget:
// delivery to subscribers is best-effort.
func (h *RedisHub) Publish(ctx context.Context, event StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, redisChannel, payload).Err()
}

// Subscribe creates a filtered subscription. Events that fail to decode are
// logged and skipped.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan StatusEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := h.client.Subscribe(ctx, redisChannel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan StatusEvent, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.logger.Warn("drop malformed status event", "error", err)
					continue
				}
				if !filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				default:
					// slow subscriber, drop
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
