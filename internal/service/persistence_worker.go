package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"go.uber.org/zap"
)

// SaveFailure records a batch that could not be persisted
type SaveFailure struct {
	Info *model.SaveInfo
	Err  error
	At   time.Time
}

func (f *SaveFailure) Error() string {
	return fmt.Sprintf("save of room %s failed: %v", f.Info.RoomName, f.Err)
}

func (f *SaveFailure) Unwrap() error {
	return f.Err
}

// PersistenceWorker folds queued operations into stored documents and evicts
// them from the version store. The newest retain persisted versions of a room
// stay readable so clients slightly behind can still submit and catch up.
// Exactly one worker consumes a queue.
type PersistenceWorker struct {
	queue     *PersistenceQueue
	versions  store.VersionStore
	documents store.DocumentSource
	engine    transform.Engine
	resolver  *resolver
	retain    int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	failures chan *SaveFailure
	mu       sync.Mutex
	failed   []*SaveFailure
}

// NewPersistenceWorker creates a new persistence worker
func NewPersistenceWorker(
	queue *PersistenceQueue,
	versions store.VersionStore,
	documents store.DocumentSource,
	engine transform.Engine,
	retain int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		queue:     queue,
		versions:  versions,
		documents: documents,
		engine:    engine,
		resolver:  &resolver{versions: versions, engine: engine, metrics: m, logger: logger},
		retain:    max(retain, 0),
		metrics:   m,
		logger:    logger,
		failures:  make(chan *SaveFailure, 16),
	}
}

// Failures reports batches that could not be persisted
func (w *PersistenceWorker) Failures() <-chan *SaveFailure {
	return w.failures
}

// Failed returns every batch that failed so far
func (w *PersistenceWorker) Failed() []*SaveFailure {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*SaveFailure, len(w.failed))
	copy(out, w.failed)
	return out
}

// Run consumes the queue until ctx is canceled or the queue is closed and
// drained. A batch already dequeued is finished before Run returns.
func (w *PersistenceWorker) Run(ctx context.Context) error {
	w.logger.Info("Persistence worker started")

	for {
		info, err := w.queue.Dequeue(ctx)
		if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
			w.logger.Info("Persistence worker stopped")
			return nil
		}
		if err != nil {
			return err
		}

		w.process(context.WithoutCancel(ctx), info)
	}
}

func (w *PersistenceWorker) process(ctx context.Context, info *model.SaveInfo) {
	kind := "partial"
	if !info.PartialSave {
		kind = "full"
	}

	start := time.Now()
	folded, err := w.Save(ctx, info)
	w.metrics.RecordSave(kind, folded, err, time.Since(start))

	if err == nil {
		w.queue.markCompleted()
		return
	}

	w.queue.markFailed()
	failure := &SaveFailure{Info: info, Err: err, At: time.Now()}

	w.mu.Lock()
	w.failed = append(w.failed, failure)
	w.mu.Unlock()

	w.logger.Error("Failed to persist save batch",
		zap.String("room", info.RoomName),
		zap.String("kind", kind),
		zap.Int("operations", len(info.Operations)),
		zap.Int("last_version", info.LastVersion()),
		zap.Error(err))

	select {
	case w.failures <- failure:
	default:
		w.logger.Warn("Failure channel full, failure kept in failed set",
			zap.String("room", info.RoomName))
	}
}

// Save folds one batch into the room's document, then evicts the folded
// versions. Returns the number of operations folded.
func (w *PersistenceWorker) Save(ctx context.Context, info *model.SaveInfo) (int, error) {
	docName, err := w.documents.DocumentForRoom(ctx, info.RoomName)
	if err != nil {
		return 0, err
	}
	doc, err := w.documents.Load(ctx, docName)
	if err != nil {
		return 0, err
	}

	last := info.LastVersion()
	if last < doc.Version {
		last = doc.Version
	}

	ops, err := w.pendingSince(ctx, info, doc.Version, last)
	if err != nil {
		return 0, err
	}

	if len(ops) > 0 {
		if _, err := w.resolver.resolve(ctx, info.RoomName, ops); err != nil {
			return 0, fmt.Errorf("failed to transform batch: %w", err)
		}
		content, err := transform.ApplyAll(w.engine, doc.Content, ops)
		if err != nil {
			return 0, err
		}
		doc.Content = content
		doc.Version = last
		if err := w.documents.Save(ctx, doc); err != nil {
			return 0, err
		}
	}

	reset := false
	if !info.PartialSave {
		if reset, err = w.versions.ResetRoom(ctx, info.RoomName, last); err != nil {
			return len(ops), err
		}
	}
	evicted, err := w.versions.EvictCleared(ctx, info.RoomName, last-w.retain)
	if err != nil {
		return len(ops), err
	}

	if info.PartialSave {
		w.logger.Info("Partial save completed",
			zap.String("room", info.RoomName),
			zap.String("document", docName),
			zap.Int("version", last),
			zap.Int("folded", len(ops)),
			zap.Int("evicted", evicted))
		return len(ops), nil
	}
	w.logger.Info("Full save completed",
		zap.String("room", info.RoomName),
		zap.String("document", docName),
		zap.Int("version", last),
		zap.Int("folded", len(ops)),
		zap.Int("evicted", evicted),
		zap.Bool("room_reset", reset))
	return len(ops), nil
}

// pendingSince returns the operations in (stored, last] in version order,
// taking them from the batch and filling any gap from the version store
func (w *PersistenceWorker) pendingSince(ctx context.Context, info *model.SaveInfo, stored, last int) ([]*model.Operation, error) {
	if last <= stored {
		return nil, nil
	}

	ops := make([]*model.Operation, 0, len(info.Operations))
	for _, op := range info.Operations {
		if op.Version > stored {
			ops = append(ops, op.Clone())
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Version < ops[j].Version })

	if !contiguous(ops, stored+1) || len(ops) != last-stored {
		w.logger.Debug("Filling version gap from store",
			zap.String("room", info.RoomName),
			zap.Int("stored_version", stored),
			zap.Int("last_version", last),
			zap.Int("batch", len(ops)))

		var err error
		ops, err = w.versions.PendingOperations(ctx, info.RoomName, stored+1, last)
		if err != nil {
			return nil, fmt.Errorf("failed to fill version gap: %w", err)
		}
		if !contiguous(ops, stored+1) || len(ops) != last-stored {
			return nil, fmt.Errorf("versions %d..%d of room %s are not all held", stored+1, last, info.RoomName)
		}
	}
	return ops, nil
}
