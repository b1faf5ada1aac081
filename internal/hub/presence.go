package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresencePrefix prefixes the member set of every room
const PresencePrefix = "collab:members:"

// presenceTTL expires member sets left behind by an instance that died
// without removing its connections
const presenceTTL = 24 * time.Hour

// Presence tracks room membership across hub instances
type Presence interface {
	// Add records connectionID as a member of room
	Add(ctx context.Context, room, connectionID string) error
	// Remove drops connectionID from room and returns how many members
	// remain on all instances
	Remove(ctx context.Context, room, connectionID string) (int64, error)
}

// RedisPresence keeps one Redis set of connection ids per room
type RedisPresence struct {
	client redis.UniversalClient
}

// NewRedisPresence creates a presence tracker on client
func NewRedisPresence(client redis.UniversalClient) *RedisPresence {
	return &RedisPresence{client: client}
}

// PresenceKey returns the member set key for room
func PresenceKey(room string) string {
	return PresencePrefix + room
}

// Add records a member and refreshes the set's expiry
func (p *RedisPresence) Add(ctx context.Context, room, connectionID string) error {
	key := PresenceKey(room)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connectionID)
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add member to %s: %w", key, err)
	}
	return nil
}

// Remove drops a member and counts the rest in one transaction, so exactly
// one of two instances losing their last members concurrently sees zero
func (p *RedisPresence) Remove(ctx context.Context, room, connectionID string) (int64, error) {
	key := PresenceKey(room)
	var remaining *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, connectionID)
		remaining = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove member from %s: %w", key, err)
	}
	return remaining.Val(), nil
}
