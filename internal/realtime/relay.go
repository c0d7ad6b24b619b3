package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay fans routed envelopes out to every API process over a redis
// pub/sub channel.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisRelay constructs a relay on the given channel.
func NewRedisRelay(client redis.UniversalClient, channel string, logger *zap.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("realtime: redis client required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("realtime: relay channel required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, logger: logger}, nil
}

// Publish sends the envelope to every subscribed process, this one included.
func (r *RedisRelay) Publish(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("realtime: encode envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Start subscribes to the channel and hands every envelope to deliver until
// ctx ends. It returns once the subscription is confirmed so nothing
// published afterwards is missed; the returned function waits for the
// receive loop to exit.
func (r *RedisRelay) Start(ctx context.Context, deliver func(Envelope)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", r.channel, err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					r.logger.Warn("realtime relay payload rejected", zap.Error(err))
					continue
				}
				deliver(envelope)
			}
		}
	}()
	return func() { <-stopped }, nil
}
