package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"go.uber.org/zap"
)

// PersistenceQueue is a bounded FIFO of save batches. Producers block while
// it is full; a single PersistenceWorker consumes it.
type PersistenceQueue struct {
	items     chan *model.SaveInfo
	capacity  int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	stopOnce  sync.Once
	stopChan  chan struct{}
	enqueued  uint64
	completed uint64
	failed    uint64
}

// QueueConfig holds persistence queue configuration
type QueueConfig struct {
	Capacity int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewPersistenceQueue creates a new persistence queue
func NewPersistenceQueue(cfg *QueueConfig) *PersistenceQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	q := &PersistenceQueue{
		items:    make(chan *model.SaveInfo, cfg.Capacity),
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		stopChan: make(chan struct{}),
	}

	q.logger.Info("Persistence queue created", zap.Int("capacity", q.capacity))
	return q
}

// Enqueue admits a batch, blocking while the queue is full. It returns
// ErrQueueClosed once the queue is closed and ctx.Err() if ctx ends first.
func (q *PersistenceQueue) Enqueue(ctx context.Context, info *model.SaveInfo) error {
	select {
	case <-q.stopChan:
		return ErrQueueClosed
	default:
	}

	start := time.Now()
	select {
	case <-q.stopChan:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.items <- info:
		atomic.AddUint64(&q.enqueued, 1)
	}

	wait := time.Since(start)
	if q.metrics != nil {
		q.metrics.RecordEnqueueWait(wait)
		q.metrics.SetQueueDepth(len(q.items))
	}
	q.logger.Debug("Save batch enqueued",
		zap.String("room", info.RoomName),
		zap.Bool("partial", info.PartialSave),
		zap.Int("operations", len(info.Operations)),
		zap.Duration("wait", wait))
	return nil
}

// Dequeue returns the next batch. After Close it keeps returning batches
// admitted before the close, then ErrQueueClosed.
func (q *PersistenceQueue) Dequeue(ctx context.Context) (*model.SaveInfo, error) {
	select {
	case info := <-q.items:
		q.updateDepth()
		return info, nil
	case <-q.stopChan:
		select {
		case info := <-q.items:
			q.updateDepth()
			return info, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops admission. Blocked producers return ErrQueueClosed.
func (q *PersistenceQueue) Close() {
	q.stopOnce.Do(func() {
		q.logger.Info("Closing persistence queue", zap.Int("queued", len(q.items)))
		close(q.stopChan)
	})
}

func (q *PersistenceQueue) markCompleted() {
	atomic.AddUint64(&q.completed, 1)
}

func (q *PersistenceQueue) markFailed() {
	atomic.AddUint64(&q.failed, 1)
}

func (q *PersistenceQueue) updateDepth() {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.items))
	}
}

// Stats returns current queue statistics
func (q *PersistenceQueue) Stats() QueueStats {
	return QueueStats{
		Capacity:  q.capacity,
		Queued:    len(q.items),
		Enqueued:  atomic.LoadUint64(&q.enqueued),
		Completed: atomic.LoadUint64(&q.completed),
		Failed:    atomic.LoadUint64(&q.failed),
	}
}

// QueueStats represents persistence queue statistics
type QueueStats struct {
	Capacity  int
	Queued    int
	Enqueued  uint64
	Completed uint64
	Failed    uint64
}

// Utilization returns the queue utilization as a percentage
func (s QueueStats) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return (float64(s.Queued) / float64(s.Capacity)) * 100.0
}
