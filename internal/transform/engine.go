package transform

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/pairdoc/internal/model"
)

var (
	// ErrInvalidPayload is returned when an operation payload cannot be
	// decoded or does not fit the document
	ErrInvalidPayload = errors.New("invalid operation payload")
	// ErrUnknownEngine is returned by New for an unsupported engine name
	ErrUnknownEngine = errors.New("unknown transform engine")
)

// Engine names accepted by New
const (
	EngineText      = "text"
	EngineJSONPatch = "json-patch"
)

// Engine rewrites operations against the operations they raced with and
// applies them to document content
type Engine interface {
	// Resolve returns op rewritten against every entry of log that it is
	// concurrent with. Entries earlier in log take priority. The returned
	// operation is marked transformed; an operation that is already
	// transformed is returned unchanged.
	Resolve(op *model.Operation, log []*model.Operation) (*model.Operation, error)

	// Validate rejects payloads the engine could never apply. A payload
	// that passes Validate applies to any document, resolved or not.
	Validate(payload json.RawMessage) error

	// Apply applies a resolved operation to document content
	Apply(doc []byte, op *model.Operation) ([]byte, error)

	// Name returns the engine name
	Name() string
}

// New returns the engine registered under name
func New(name string) (Engine, error) {
	switch name {
	case EngineText, "":
		return NewTextEngine(), nil
	case EngineJSONPatch:
		return NewJSONPatchEngine(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
}

// ResolveAll resolves every untransformed entry of ops against the entries
// before it, in log order. ops must be sorted by version; entries are
// replaced in place.
func ResolveAll(e Engine, ops []*model.Operation) error {
	for i, op := range ops {
		if op.IsTransformed {
			continue
		}
		resolved, err := e.Resolve(op, ops[:i])
		if err != nil {
			return fmt.Errorf("failed to resolve version %d: %w", op.Version, err)
		}
		ops[i] = resolved
	}
	return nil
}

// ApplyAll folds ops into doc in order. Discarded entries are skipped.
func ApplyAll(e Engine, doc []byte, ops []*model.Operation) ([]byte, error) {
	var err error
	for _, op := range ops {
		if op.Discarded {
			continue
		}
		doc, err = e.Apply(doc, op)
		if err != nil {
			return nil, fmt.Errorf("failed to apply version %d: %w", op.Version, err)
		}
	}
	return doc, nil
}
