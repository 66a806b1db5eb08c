package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
)

// TypedPubSub publishes and consumes JSON-encoded messages of one type over
// Redis pub/sub channels. Fanout is best-effort; the durable log remains the
// authoritative source.
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func NewTypedPubSub[T any](client goredis.UniversalClient, logger logging.Logger) *TypedPubSub[T] {
	return &TypedPubSub[T]{client: client, logger: logger}
}

func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}

	return nil
}

// Subscribe consumes one or more channels until ctx is cancelled. Messages
// that fail to decode are logged and skipped.
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, handler func(channel string, msg T), channels ...string) error {
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	sub := p.client.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}

	return p.consume(ctx, sub, handler)
}

// PSubscribe consumes every channel matching pattern until ctx is cancelled.
// The gateway uses this to relay per-tenant fanout channels published by
// other instances.
func (p *TypedPubSub[T]) PSubscribe(ctx context.Context, pattern string, handler func(channel string, msg T)) error {
	sub := p.client.PSubscribe(ctx, pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe to redis: %w", err)
	}

	return p.consume(ctx, sub, handler)
}

func (p *TypedPubSub[T]) consume(ctx context.Context, sub *goredis.PubSub, handler func(channel string, msg T)) error {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var payload T
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				p.logger.WithFields(logging.Fields{
					"channel": msg.Channel,
					"error":   err.Error(),
				}).Warn("Dropping undecodable pubsub message")
				continue
			}
			handler(msg.Channel, payload)
		}
	}
}
