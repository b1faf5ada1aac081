package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/pairdoc/internal/model"
	jsonpatch "github.com/evanphx/json-patch"
)

// patchOp mirrors one RFC 6902 operation. Paths are rewritten on transform,
// application goes through jsonpatch.
type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// JSONPatchEngine transforms JSON documents edited with JSON patches.
// Concurrent array inserts and removals shift the indices of later patches;
// edits below a path removed concurrently are dropped.
//
// Resolve never sees the document, so it cannot tell an array from an object.
// A pointer segment that parses as a non-negative integer is taken to be an
// array index. Documents edited through this engine must not use numeric
// object keys ("/counts/3" under an object) at a position that also receives
// concurrent adds or removes, or those keys are renumbered like indices.
type JSONPatchEngine struct{}

// NewJSONPatchEngine creates a JSON patch engine
func NewJSONPatchEngine() *JSONPatchEngine {
	return &JSONPatchEngine{}
}

// Name returns the engine name
func (e *JSONPatchEngine) Name() string {
	return EngineJSONPatch
}

// Resolve rewrites op against the concurrent entries of log
func (e *JSONPatchEngine) Resolve(op *model.Operation, log []*model.Operation) (*model.Operation, error) {
	if op.IsTransformed {
		return op, nil
	}

	ours, err := decodePatch(op.Payload)
	if err != nil {
		return nil, err
	}
	for _, prev := range log {
		if prev.Discarded || !op.ConcurrentWith(prev) {
			continue
		}
		theirs, err := decodePatch(prev.Payload)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", prev.Version, err)
		}
		for _, t := range theirs {
			ours = rebase(ours, t)
		}
	}

	payload, err := json.Marshal(ours)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	out := op.Clone()
	out.Payload = payload
	out.IsTransformed = true
	return out, nil
}

// Validate checks that payload is a patch of known operations with
// well-formed pointers
func (e *JSONPatchEngine) Validate(payload json.RawMessage) error {
	ops, err := decodePatch(payload)
	if err != nil {
		return err
	}
	for i, o := range ops {
		switch o.Op {
		case "add", "replace", "test", "remove":
		case "move", "copy":
			if !validPointer(o.From) {
				return fmt.Errorf("%w: op %d: bad from %q", ErrInvalidPayload, i, o.From)
			}
		default:
			return fmt.Errorf("%w: op %d: unknown op %q", ErrInvalidPayload, i, o.Op)
		}
		if !validPointer(o.Path) {
			return fmt.Errorf("%w: op %d: bad path %q", ErrInvalidPayload, i, o.Path)
		}
	}
	return nil
}

// Apply applies the patch carried by op. Empty content is treated as an
// empty object. A well-formed patch that no longer fits the document, such
// as a remove of a member deleted in the meantime, leaves it unchanged.
func (e *JSONPatchEngine) Apply(doc []byte, op *model.Operation) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		doc = []byte("{}")
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: document is not JSON", ErrInvalidPayload)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return doc, nil
	}
	return out, nil
}

func validPointer(s string) bool {
	return s == "" || strings.HasPrefix(s, "/")
}

func decodePatch(payload json.RawMessage) ([]patchOp, error) {
	// Reject anything jsonpatch would refuse to apply
	if _, err := jsonpatch.DecodePatch(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var ops []patchOp
	if err := json.Unmarshal(payload, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ops, nil
}

// rebase rewrites ours so it applies after t
func rebase(ours []patchOp, t patchOp) []patchOp {
	out := make([]patchOp, 0, len(ours))
	for _, o := range ours {
		var keep bool
		switch t.Op {
		case "add", "copy":
			o, keep = afterAdd(o, parsePointer(t.Path)), true
		case "remove":
			o, keep = afterRemove(o, parsePointer(t.Path))
		case "move":
			if o, keep = afterRemove(o, parsePointer(t.From)); keep {
				o = afterAdd(o, parsePointer(t.Path))
			}
		default:
			keep = true
		}
		if keep {
			out = append(out, o)
		}
	}
	return out
}

func afterAdd(o patchOp, added pointer) patchOp {
	o.Path = added.shift(parsePointer(o.Path), 1, true).String()
	if o.From != "" {
		o.From = added.shift(parsePointer(o.From), 1, true).String()
	}
	return o
}

func afterRemove(o patchOp, removed pointer) (patchOp, bool) {
	path := parsePointer(o.Path)
	if path.hasPrefix(removed) && !(o.Op == "add" && len(path) == len(removed)) {
		return o, false
	}
	if o.From != "" {
		from := parsePointer(o.From)
		if from.hasPrefix(removed) {
			return o, false
		}
		o.From = removed.shift(from, -1, false).String()
	}
	o.Path = removed.shift(path, -1, false).String()
	return o, true
}

// pointer is a decoded JSON pointer
type pointer []string

func parsePointer(s string) pointer {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(s, "/"), "/")
}

func (p pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	return "/" + strings.Join(p, "/")
}

func (p pointer) hasPrefix(q pointer) bool {
	if len(q) == 0 || len(p) < len(q) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// shift moves the array index of path by delta when p names an element of
// the same array at or before it. inclusive controls whether an index equal
// to p's shifts too. Numeric segments are always read as indices.
func (p pointer) shift(path pointer, delta int, inclusive bool) pointer {
	if len(p) == 0 {
		return path
	}
	at, err := strconv.Atoi(p[len(p)-1])
	if err != nil {
		return path
	}
	parent := p[:len(p)-1]
	if len(path) <= len(parent) || (len(parent) > 0 && !path.hasPrefix(parent)) {
		return path
	}
	n, err := strconv.Atoi(path[len(parent)])
	if err != nil {
		return path
	}
	if n > at || (inclusive && n == at) {
		out := make(pointer, len(path))
		copy(out, path)
		out[len(parent)] = strconv.Itoa(n + delta)
		return out
	}
	return path
}
