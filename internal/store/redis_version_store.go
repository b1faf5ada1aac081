package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdoc/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key suffixes appended to the room key
const (
	RevisionSuffix = ":revision"
	VersionSuffix  = ":version"
	ClearedSuffix  = ":toRemove"
)

// RoomKeys holds the Redis keys of one room. The room name is wrapped in a
// hash tag so all four keys land in the same cluster slot.
type RoomKeys struct {
	Log      string
	Revision string
	Version  string
	Cleared  string
}

// KeysFor builds the keys for a room
func KeysFor(prefix, roomName string) RoomKeys {
	base := prefix + "{" + roomName + "}"
	return RoomKeys{
		Log:      base,
		Revision: base + RevisionSuffix,
		Version:  base + VersionSuffix,
		Cleared:  base + ClearedSuffix,
	}
}

// RedisVersionStore implements VersionStore with Lua scripts
type RedisVersionStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisClient creates a Redis client and checks the connection
func NewRedisClient(host string, port int, password string, db, poolSize, maxRetries int) (redis.UniversalClient, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		PoolSize:   poolSize,
		MaxRetries: maxRetries,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewRedisVersionStore creates a version store over an existing client
func NewRedisVersionStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisVersionStore {
	return &RedisVersionStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Insert logs the operation and assigns its version
func (s *RedisVersionStore) Insert(ctx context.Context, op *model.Operation, threshold int) (*model.InsertResult, error) {
	data, err := encodeEntry(op)
	if err != nil {
		return nil, err
	}
	keys := KeysFor(s.prefix, op.RoomName)

	raw, err := insertScript.Run(ctx, s.client,
		[]string{keys.Log, keys.Revision, keys.Cleared, keys.Version},
		data, op.Version, threshold,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run insert script: %w", err)
	}

	version, err := toInt(raw[0])
	if err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, fmt.Errorf("client version %d for room %s: %w", op.Version, op.RoomName, ErrVersionEvicted)
	}
	if len(raw) != 6 {
		return nil, fmt.Errorf("unexpected insert reply length %d", len(raw))
	}

	base, err := toInt(raw[1])
	if err != nil {
		return nil, err
	}
	concurrent, err := decodeEntries(op.RoomName, base, raw[3])
	if err != nil {
		return nil, err
	}

	result := &model.InsertResult{
		Version:    version,
		Concurrent: concurrent,
	}

	clearedBase, err := toInt(raw[4])
	if err != nil {
		return nil, err
	}
	if clearedBase > 0 {
		result.Cleared, err = decodeEntries(op.RoomName, clearedBase, raw[5])
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Save threshold crossed",
			zap.String("room", op.RoomName),
			zap.Int("cleared", len(result.Cleared)),
			zap.Int("first_version", clearedBase))
	}

	return result, nil
}

// UpdateRecord replaces the untransformed entry for op.Version with its final
// form. It reports false when another caller already stored a final form or
// the entry is no longer held; the caller should re-read the entry.
func (s *RedisVersionStore) UpdateRecord(ctx context.Context, op *model.Operation) (bool, error) {
	data, err := encodeEntry(op)
	if err != nil {
		return false, err
	}
	keys := KeysFor(s.prefix, op.RoomName)

	updated, err := updateRecordScript.Run(ctx, s.client,
		[]string{keys.Log, keys.Revision, keys.Cleared},
		data, op.Version,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run update script: %w", err)
	}
	switch updated {
	case 1:
		return true, nil
	case 2:
		s.logger.Debug("Record already holds its final form",
			zap.String("room", op.RoomName),
			zap.Int("version", op.Version))
	default:
		s.logger.Warn("Record no longer held by version store",
			zap.String("room", op.RoomName),
			zap.Int("version", op.Version))
	}
	return false, nil
}

// EffectivePendingOperations returns operations newer than startVersion
func (s *RedisVersionStore) EffectivePendingOperations(ctx context.Context, roomName string, startVersion int) ([]*model.Operation, error) {
	base, last, ops, err := s.collect(ctx, roomName, startVersion+1, -1)
	if err != nil {
		return nil, err
	}
	if base > startVersion+1 || startVersion > last {
		return nil, fmt.Errorf("versions after %d for room %s: %w", startVersion, roomName, ErrVersionEvicted)
	}
	return ops, nil
}

// PendingOperations returns operations in [startVersion, endVersion]
func (s *RedisVersionStore) PendingOperations(ctx context.Context, roomName string, startVersion, endVersion int) ([]*model.Operation, error) {
	base, _, ops, err := s.collect(ctx, roomName, startVersion, endVersion)
	if err != nil {
		return nil, err
	}
	if startVersion > 0 && base > startVersion {
		return nil, fmt.Errorf("versions from %d for room %s: %w", startVersion, roomName, ErrVersionEvicted)
	}
	return ops, nil
}

func (s *RedisVersionStore) collect(ctx context.Context, roomName string, from, to int) (int, int, []*model.Operation, error) {
	keys := KeysFor(s.prefix, roomName)

	raw, err := rangeScript.Run(ctx, s.client,
		[]string{keys.Log, keys.Revision, keys.Cleared},
		from, to,
	).Slice()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to run range script: %w", err)
	}
	if len(raw) != 3 {
		return 0, 0, nil, fmt.Errorf("unexpected range reply length %d", len(raw))
	}

	base, err := toInt(raw[0])
	if err != nil {
		return 0, 0, nil, err
	}
	last, err := toInt(raw[1])
	if err != nil {
		return 0, 0, nil, err
	}
	ops, err := decodeEntries(roomName, base, raw[2])
	if err != nil {
		return 0, 0, nil, err
	}
	return base, last, ops, nil
}

// EvictCleared drops persisted entries from the cleared list
func (s *RedisVersionStore) EvictCleared(ctx context.Context, roomName string, uptoVersion int) (int, error) {
	keys := KeysFor(s.prefix, roomName)
	n, err := evictClearedScript.Run(ctx, s.client,
		[]string{keys.Revision, keys.Cleared},
		uptoVersion,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to evict cleared operations: %w", err)
	}
	return n, nil
}

// ResetRoom retires the active log up to lastVersion after a full save. The
// retired entries join the cleared list so EvictCleared can trim them; the
// version counter survives. It reports whether the room had no newer version.
func (s *RedisVersionStore) ResetRoom(ctx context.Context, roomName string, lastVersion int) (bool, error) {
	keys := KeysFor(s.prefix, roomName)
	reset, err := resetRoomScript.Run(ctx, s.client,
		[]string{keys.Log, keys.Revision, keys.Cleared, keys.Version},
		lastVersion,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reset room: %w", err)
	}
	return reset == 1, nil
}

// SeedRoom starts a room's version history at version
func (s *RedisVersionStore) SeedRoom(ctx context.Context, roomName string, version int) (bool, error) {
	keys := KeysFor(s.prefix, roomName)
	seeded, err := seedRoomScript.Run(ctx, s.client,
		[]string{keys.Revision, keys.Version},
		version,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to seed room: %w", err)
	}
	return seeded == 1, nil
}

// Ping checks the Redis connection
func (s *RedisVersionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisVersionStore) Close() error {
	return s.client.Close()
}

// encodeEntry serializes an operation for the log. Version is positional in
// the lists so it is not relied upon when decoding.
func encodeEntry(op *model.Operation) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation: %w", err)
	}
	return string(data), nil
}

func decodeEntries(roomName string, base int, v interface{}) ([]*model.Operation, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected entry list type %T", v)
	}
	ops := make([]*model.Operation, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected entry type %T", item)
		}
		var op model.Operation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		op.Version = base + i
		if op.RoomName == "" {
			op.RoomName = roomName
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected integer reply type %T", v)
	}
}
