package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"go.uber.org/zap"
)

// Discard reasons reported to metrics
const (
	discardContextEvicted = "context_evicted"
	discardUnresolvable   = "unresolvable"
	discardAbandoned      = "abandoned"
)

// resolver turns raw log entries into their final form and records that form
// in the version store. Every reader of a room finalizes entries the same
// way, and the store keeps whichever final form was recorded first.
type resolver struct {
	versions store.VersionStore
	engine   transform.Engine
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// resolve finalizes the untransformed entries of ops in place. ops must be
// sorted by version and contiguous. Older entries some of them raced with
// are loaded from the store as context. An entry whose context is no longer
// held, or that the engine cannot resolve, is discarded: it keeps its
// version with an empty edit. Returns the number of entries this call
// finalized.
func (r *resolver) resolve(ctx context.Context, roomName string, ops []*model.Operation) (int, error) {
	if len(ops) == 0 || !hasPending(ops) {
		return 0, nil
	}

	log, err := r.withContext(ctx, roomName, ops)
	if err != nil {
		return 0, err
	}
	held := log[0].Version

	finalized := 0
	for i, op := range log {
		if op.IsTransformed {
			continue
		}

		var (
			final  *model.Operation
			reason string
		)
		if op.BaseVersion+1 < held {
			final, reason = op.Discard(), discardContextEvicted
		} else if resolved, err := r.engine.Resolve(op, log[:i]); err != nil {
			r.logger.Warn("Failed to resolve logged operation",
				zap.String("room", roomName),
				zap.Int("version", op.Version),
				zap.Error(err))
			final, reason = op.Discard(), discardUnresolvable
		} else {
			final = resolved
		}

		committed, won, err := r.commit(ctx, final)
		if err != nil {
			return finalized, err
		}
		log[i] = committed
		if !won {
			continue
		}
		finalized++
		switch {
		case committed.Discarded:
			r.metrics.RecordDiscard(reason)
			r.logger.Warn("Discarded logged operation",
				zap.String("room", roomName),
				zap.Int("version", op.Version),
				zap.Int("base_version", op.BaseVersion),
				zap.Int("held_from", held),
				zap.String("reason", reason))
		case op.BaseVersion+1 < op.Version:
			r.metrics.RecordTransform()
		}
	}

	copy(ops, log[len(log)-len(ops):])
	return finalized, nil
}

// withContext prepends the held entries that the untransformed entries of
// ops, or of the context itself, were concurrent with
func (r *resolver) withContext(ctx context.Context, roomName string, ops []*model.Operation) ([]*model.Operation, error) {
	log := ops
	for {
		need := log[0].Version
		for _, op := range log {
			if !op.IsTransformed && op.BaseVersion+1 < need {
				need = op.BaseVersion + 1
			}
		}
		if need >= log[0].Version {
			return log, nil
		}

		evicted := false
		prefix, err := r.versions.PendingOperations(ctx, roomName, need, log[0].Version-1)
		if errors.Is(err, store.ErrVersionEvicted) {
			// Entries needing what was evicted are discarded by the caller
			evicted = true
			prefix, err = r.versions.PendingOperations(ctx, roomName, 0, log[0].Version-1)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load transform context: %w", err)
		}
		if len(prefix) > 0 && !contiguous(prefix, log[0].Version-len(prefix)) {
			return nil, fmt.Errorf("transform context for room %s is not contiguous", roomName)
		}

		merged := make([]*model.Operation, 0, len(prefix)+len(log))
		merged = append(merged, prefix...)
		log = append(merged, log...)
		if evicted || len(prefix) == 0 {
			return log, nil
		}
	}
}

// commit records final unless another caller got there first, in which case
// the recorded form is returned instead. won reports whether final was
// recorded by this call.
func (r *resolver) commit(ctx context.Context, final *model.Operation) (*model.Operation, bool, error) {
	updated, err := r.versions.UpdateRecord(ctx, final)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record version %d: %w", final.Version, err)
	}
	if updated {
		return final, true, nil
	}

	held, err := r.versions.PendingOperations(ctx, final.RoomName, final.Version, final.Version)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read version %d: %w", final.Version, err)
	}
	if len(held) != 1 || held[0].Version != final.Version {
		return nil, false, fmt.Errorf("version %d of room %s: %w", final.Version, final.RoomName, store.ErrVersionEvicted)
	}
	if !held[0].IsTransformed {
		return nil, false, fmt.Errorf("version %d of room %s was not recorded", final.Version, final.RoomName)
	}
	return held[0], false, nil
}

func hasPending(ops []*model.Operation) bool {
	for _, op := range ops {
		if !op.IsTransformed {
			return true
		}
	}
	return false
}

// contiguous reports whether ops hold exactly the versions from..from+len-1
func contiguous(ops []*model.Operation, from int) bool {
	for i, op := range ops {
		if op.Version != from+i {
			return false
		}
	}
	return true
}
