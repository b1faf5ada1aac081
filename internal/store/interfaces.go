package store

import (
	"context"
	"errors"

	"github.com/devrev/pairdoc/internal/model"
)

// ErrNotFound is returned when a document or room binding does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionEvicted is returned when the requested versions were already
// persisted and evicted, or were never issued by the store. Callers must
// re-import the document.
var ErrVersionEvicted = errors.New("requested versions are not held by the version store")

// VersionStore holds per-room pending operations. Every method is a single
// atomic step relative to concurrent callers, across processes.
type VersionStore interface {
	// Insert logs op with the next room version. op.Version is the last
	// version the submitting client had seen. The returned concurrent set
	// holds every logged operation newer than that, ending with op itself.
	Insert(ctx context.Context, op *model.Operation, threshold int) (*model.InsertResult, error)
	// UpdateRecord stores the final form of the entry for op.Version. An
	// entry is finalized once; later calls report false and leave it as is.
	UpdateRecord(ctx context.Context, op *model.Operation) (bool, error)
	// EffectivePendingOperations returns operations with version > startVersion
	EffectivePendingOperations(ctx context.Context, roomName string, startVersion int) ([]*model.Operation, error)
	// PendingOperations returns operations with version in [startVersion, endVersion].
	// A negative endVersion means no upper bound.
	PendingOperations(ctx context.Context, roomName string, startVersion, endVersion int) ([]*model.Operation, error)

	// EvictCleared drops cleared entries with version <= uptoVersion
	EvictCleared(ctx context.Context, roomName string, uptoVersion int) (int, error)
	// ResetRoom moves every active entry up to lastVersion onto the cleared
	// list. The counter is kept so numbering continues after a full save.
	// Reports whether no version after lastVersion was issued.
	ResetRoom(ctx context.Context, roomName string, lastVersion int) (bool, error)
	// SeedRoom initializes counter and watermark for a room with no state
	SeedRoom(ctx context.Context, roomName string, version int) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// DocumentSource loads and saves named documents
type DocumentSource interface {
	Load(ctx context.Context, name string) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error

	// BindRoom records which document a room edits
	BindRoom(ctx context.Context, roomName, documentName string) error
	DocumentForRoom(ctx context.Context, roomName string) (string, error)

	Ping(ctx context.Context) error
	Close()
}
