package chathub

import (
	"context"
	"encoding/json"
	"log/slog"

	"chatpair/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis channel session lifecycle events go to.
const EventsChannel = "chat:events"

// Publisher broadcasts session lifecycle events to operators.
type Publisher interface {
	Publish(ctx context.Context, ev models.SessionEvent) error
}

// NopPublisher drops events; used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.SessionEvent) error { return nil }

// RedisPublisher publishes events as JSON on EventsChannel.
type RedisPublisher struct {
	Redis *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{Redis: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev models.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Redis.Publish(ctx, EventsChannel, payload).Err()
}

// Subscribe streams events from EventsChannel until ctx is cancelled.
// Messages that fail to decode are logged and skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan models.SessionEvent, error) {
	pubsub := p.Redis.Subscribe(ctx, EventsChannel)
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan models.SessionEvent)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("undecodable session event", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
