package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventRelay forwards bridge events outside the process
type EventRelay interface {
	Relay(envelope Envelope) error
}

// RedisEventRelay publishes events on Redis Pub/Sub, one channel per
// event channel: <prefix>:<channel>
type RedisEventRelay struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisEventRelay creates a relay on an already connected client
func NewRedisEventRelay(client *redis.Client, prefix string) *RedisEventRelay {
	if prefix == "" {
		prefix = "iap_bridge:events"
	}
	return &RedisEventRelay{client: client, prefix: prefix, timeout: 2 * time.Second}
}

// ChannelName returns the Redis channel an event channel is published on
func (r *RedisEventRelay) ChannelName(channel string) string {
	return r.prefix + ":" + channel
}

func (r *RedisEventRelay) Relay(envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.ChannelName(envelope.Channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
