package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix prefixes the pub/sub channel of every room
const ChannelPrefix = "collab:room:"

// RedisRelay fans room events across hub instances over Redis pub/sub
type RedisRelay struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	metrics *metrics.Metrics

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisRelay creates a relay on client
func NewRedisRelay(client redis.UniversalClient, m *metrics.Metrics, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		logger:  logger,
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Channel returns the pub/sub channel for room
func Channel(room string) string {
	return ChannelPrefix + room
}

// Publish sends event to every subscribed instance
func (r *RedisRelay) Publish(ctx context.Context, event *RoomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(event.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(event.Room), err)
	}
	return nil
}

// Ready is closed once the subscription is active
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to every room channel and hands received events to deliver
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(*RoomEvent)) error {
	pubsub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for confirmation so that nothing published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("Room relay subscribed", zap.String("pattern", ChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("room relay subscription closed")
			}
			var event RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.metrics.RecordRelayError()
				r.logger.Warn("Dropping malformed room event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			if event.Room == "" {
				event.Room = strings.TrimPrefix(msg.Channel, ChannelPrefix)
			}
			deliver(&event)
		}
	}
}
