package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"go.uber.org/zap"
)

// abandonTimeout bounds discarding an entry after its submit failed
const abandonTimeout = 5 * time.Second

// SyncService orders, transforms and serves operations for rooms
type SyncService struct {
	versions      store.VersionStore
	documents     store.DocumentSource
	engine        transform.Engine
	resolver      *resolver
	queue         *PersistenceQueue
	saveThreshold int
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewSyncService creates a new sync service
func NewSyncService(
	versions store.VersionStore,
	documents store.DocumentSource,
	engine transform.Engine,
	queue *PersistenceQueue,
	saveThreshold int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		versions:      versions,
		documents:     documents,
		engine:        engine,
		resolver:      &resolver{versions: versions, engine: engine, metrics: m, logger: logger},
		queue:         queue,
		saveThreshold: saveThreshold,
		metrics:       m,
		logger:        logger,
	}
}

// Submit versions an operation, transforms it against the operations it
// raced with and records the final form. op.Version carries the last version
// the client had applied.
func (s *SyncService) Submit(ctx context.Context, op *model.Operation) (result *model.Operation, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordSubmit(err, time.Since(start))
	}()

	if op.RoomName == "" || len(op.Payload) == 0 {
		return nil, fmt.Errorf("%w: room name and payload are required", ErrInvalidOperation)
	}
	if op.Version < 0 {
		return nil, fmt.Errorf("%w: negative version %d", ErrInvalidOperation, op.Version)
	}
	// Nothing is logged that the engine could not apply
	if err := s.engine.Validate(op.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	submitted := op.Clone()
	submitted.BaseVersion = op.Version
	submitted.IsTransformed = false
	submitted.Discarded = false

	res, err := s.versions.Insert(ctx, submitted, s.saveThreshold)
	if errors.Is(err, store.ErrVersionEvicted) {
		return nil, fmt.Errorf("%w: %v", ErrStaleVersion, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}
	if len(res.Concurrent) == 0 {
		return nil, fmt.Errorf("version store returned no entries for version %d", res.Version)
	}

	if res.Cleared != nil {
		s.metrics.RecordThresholdCrossed()
		info := &model.SaveInfo{
			Operations:  res.Cleared,
			PartialSave: true,
			RoomName:    op.RoomName,
		}
		if err := s.enqueue(ctx, info); err != nil {
			// The batch stays in the cleared list and is picked up by the
			// next save of this room
			s.logger.Error("Failed to enqueue partial save",
				zap.String("room", op.RoomName),
				zap.Int("operations", len(res.Cleared)),
				zap.Error(err))
		}
	}

	// The submitted operation is the last entry of its concurrent set
	final, err := s.finalize(ctx, op.RoomName, res.Concurrent)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Operation submitted",
		zap.String("room", final.RoomName),
		zap.String("connection_id", final.ConnectionID),
		zap.Int("base_version", final.BaseVersion),
		zap.Int("version", final.Version),
		zap.Int("concurrent", len(res.Concurrent)-1))

	return final, nil
}

// finalize resolves and records the submitted entry, the last of concurrent.
// When that fails the entry is discarded so no raw edit outlives its submit.
func (s *SyncService) finalize(ctx context.Context, roomName string, concurrent []*model.Operation) (*model.Operation, error) {
	entry := concurrent[len(concurrent)-1]

	if _, err := s.resolver.resolve(ctx, roomName, concurrent); err != nil {
		if committed := s.abandon(ctx, entry); committed != nil {
			return committed, nil
		}
		if errors.Is(err, store.ErrVersionEvicted) {
			return nil, fmt.Errorf("%w: %v", ErrStaleVersion, err)
		}
		return nil, fmt.Errorf("failed to transform operation: %w", err)
	}

	final := concurrent[len(concurrent)-1]
	if final.Discarded {
		return nil, fmt.Errorf("%w: version %d was discarded", ErrStaleVersion, final.Version)
	}
	return final, nil
}

// abandon discards an entry whose submit failed after it was logged. If
// another reader already recorded a final form for it, that form is returned.
func (s *SyncService) abandon(ctx context.Context, entry *model.Operation) *model.Operation {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	committed, won, err := s.resolver.commit(ctx, entry.Discard())
	switch {
	case err != nil:
		// The payload was validated, so later readers can still resolve it
		s.logger.Error("Failed to discard unfinished operation",
			zap.String("room", entry.RoomName),
			zap.Int("version", entry.Version),
			zap.Error(err))
		return nil
	case won:
		s.metrics.RecordDiscard(discardAbandoned)
		s.logger.Warn("Discarded unfinished operation",
			zap.String("room", entry.RoomName),
			zap.String("connection_id", entry.ConnectionID),
			zap.Int("version", entry.Version))
		return nil
	case committed.Discarded:
		return nil
	}
	return committed
}

// GetMissing returns the operations after clientVersion in version order
func (s *SyncService) GetMissing(ctx context.Context, roomName string, clientVersion int) (ops []*model.Operation, err error) {
	defer func() {
		s.metrics.RecordCatchUp("missing", len(ops), err)
	}()

	if roomName == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrInvalidOperation)
	}

	ops, err = s.versions.EffectivePendingOperations(ctx, roomName, clientVersion)
	if errors.Is(err, store.ErrVersionEvicted) {
		return nil, fmt.Errorf("%w: %v", ErrStaleVersion, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}
	if !contiguous(ops, clientVersion+1) {
		return nil, fmt.Errorf("pending operations for room %s are not contiguous after %d", roomName, clientVersion)
	}

	if _, err := s.resolver.resolve(ctx, roomName, ops); err != nil {
		if errors.Is(err, store.ErrVersionEvicted) {
			return nil, fmt.Errorf("%w: %v", ErrStaleVersion, err)
		}
		return nil, fmt.Errorf("failed to transform pending operations: %w", err)
	}
	return ops, nil
}

// Import loads a document for a room and folds in the operations the store
// holds beyond the stored version
func (s *SyncService) Import(ctx context.Context, fileName, roomName string) (content *model.DocumentContent, err error) {
	defer func() {
		s.metrics.RecordCatchUp("import", 0, err)
	}()

	if fileName == "" || roomName == "" {
		return nil, fmt.Errorf("%w: file name and room name are required", ErrInvalidOperation)
	}

	doc, err := s.documents.Load(ctx, fileName)
	if err != nil {
		return nil, err
	}
	if err := s.documents.BindRoom(ctx, roomName, fileName); err != nil {
		return nil, err
	}
	if _, err := s.versions.SeedRoom(ctx, roomName, doc.Version); err != nil {
		return nil, err
	}

	ops, err := s.versions.PendingOperations(ctx, roomName, doc.Version+1, -1)
	if errors.Is(err, store.ErrVersionEvicted) {
		return nil, fmt.Errorf("%w: document %s at version %d is behind room %s", ErrStaleVersion, fileName, doc.Version, roomName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}
	if !contiguous(ops, doc.Version+1) {
		return nil, fmt.Errorf("pending operations for room %s are not contiguous after %d", roomName, doc.Version)
	}
	if _, err := s.resolver.resolve(ctx, roomName, ops); err != nil {
		if errors.Is(err, store.ErrVersionEvicted) {
			return nil, fmt.Errorf("%w: %v", ErrStaleVersion, err)
		}
		return nil, fmt.Errorf("failed to transform pending operations: %w", err)
	}

	merged, err := transform.ApplyAll(s.engine, doc.Content, ops)
	if err != nil {
		return nil, err
	}

	version := doc.Version
	if len(ops) > 0 {
		version = ops[len(ops)-1].Version
	}

	s.logger.Info("Document imported",
		zap.String("document", fileName),
		zap.String("room", roomName),
		zap.Int("stored_version", doc.Version),
		zap.Int("version", version),
		zap.Int("pending", len(ops)))

	return &model.DocumentContent{
		Version:  version,
		Document: s.encodeDocument(merged),
	}, nil
}

// RequestFullSave queues every pending operation of a room for persistence.
// Called when the last member leaves the room.
func (s *SyncService) RequestFullSave(ctx context.Context, roomName string) error {
	if _, err := s.documents.DocumentForRoom(ctx, roomName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("Room has no document, skipping full save",
				zap.String("room", roomName))
			return nil
		}
		return err
	}

	ops, err := s.versions.PendingOperations(ctx, roomName, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read pending operations: %w", err)
	}

	return s.enqueue(ctx, &model.SaveInfo{
		Operations:  ops,
		PartialSave: false,
		RoomName:    roomName,
	})
}

// enqueue hands a batch to the persistence queue. Admission may block; it is
// not bound to the caller's cancellation so a dropped request cannot lose
// the batch.
func (s *SyncService) enqueue(ctx context.Context, info *model.SaveInfo) error {
	return s.queue.Enqueue(context.WithoutCancel(ctx), info)
}

// encodeDocument returns content as JSON. JSON documents are embedded as-is,
// anything else as a JSON string.
func (s *SyncService) encodeDocument(content []byte) json.RawMessage {
	if s.engine.Name() == transform.EngineJSONPatch {
		if len(content) == 0 {
			return json.RawMessage("{}")
		}
		if json.Valid(content) {
			return content
		}
	}
	data, _ := json.Marshal(string(content))
	return data
}
