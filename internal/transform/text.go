package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/devrev/pairdoc/internal/model"
)

// Text edit types
const (
	TextInsert = "insert"
	TextDelete = "delete"
)

// TextEdit is one plain-text edit. A text payload is either a single edit
// object or an array of edits applied in order. Positions count runes.
type TextEdit struct {
	Type  string `json:"type"`
	Pos   int    `json:"pos"`
	Value string `json:"value,omitempty"`
	Len   int    `json:"len,omitempty"`
}

func (e TextEdit) size() int {
	if e.Type == TextInsert {
		return utf8.RuneCountInString(e.Value)
	}
	return e.Len
}

func (e TextEdit) validate() error {
	switch {
	case e.Type != TextInsert && e.Type != TextDelete:
		return fmt.Errorf("%w: unknown edit type %q", ErrInvalidPayload, e.Type)
	case e.Pos < 0:
		return fmt.Errorf("%w: negative position %d", ErrInvalidPayload, e.Pos)
	case e.Len < 0:
		return fmt.Errorf("%w: negative length %d", ErrInvalidPayload, e.Len)
	}
	return nil
}

// apply applies a validated edit. Positions past the end of s are clamped
// to it, so an edit made against a longer document still lands.
func (e TextEdit) apply(s []rune) []rune {
	pos := min(e.Pos, len(s))
	switch e.Type {
	case TextInsert:
		out := make([]rune, 0, len(s)+e.size())
		out = append(out, s[:pos]...)
		out = append(out, []rune(e.Value)...)
		return append(out, s[pos:]...)
	default:
		end := min(pos+e.Len, len(s))
		out := make([]rune, 0, len(s)-(end-pos))
		out = append(out, s[:pos]...)
		return append(out, s[end:]...)
	}
}

// TextEngine transforms plain-text insert/delete edits
type TextEngine struct{}

// NewTextEngine creates a text engine
func NewTextEngine() *TextEngine {
	return &TextEngine{}
}

// Name returns the engine name
func (e *TextEngine) Name() string {
	return EngineText
}

// Resolve rewrites op against the concurrent entries of log
func (e *TextEngine) Resolve(op *model.Operation, log []*model.Operation) (*model.Operation, error) {
	if op.IsTransformed {
		return op, nil
	}

	ours, single, err := DecodeTextEdits(op.Payload)
	if err != nil {
		return nil, err
	}
	for _, prev := range log {
		if prev.Discarded || !op.ConcurrentWith(prev) {
			continue
		}
		theirs, _, err := DecodeTextEdits(prev.Payload)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", prev.Version, err)
		}
		ours = transformEdits(ours, theirs)
	}

	payload, err := encodeTextEdits(ours, single)
	if err != nil {
		return nil, err
	}
	out := op.Clone()
	out.Payload = payload
	out.IsTransformed = true
	return out, nil
}

// Validate checks that payload decodes to well-formed edits
func (e *TextEngine) Validate(payload json.RawMessage) error {
	_, _, err := DecodeTextEdits(payload)
	return err
}

// Apply applies the edits of op to UTF-8 text
func (e *TextEngine) Apply(doc []byte, op *model.Operation) ([]byte, error) {
	edits, _, err := DecodeTextEdits(op.Payload)
	if err != nil {
		return nil, err
	}
	s := []rune(string(doc))
	for _, edit := range edits {
		s = edit.apply(s)
	}
	return []byte(string(s)), nil
}

// DecodeTextEdits decodes a text payload. single reports whether the
// payload was a bare object rather than an array.
func DecodeTextEdits(payload json.RawMessage) (edits []TextEdit, single bool, err error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &edits); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		var edit TextEdit
		if err := json.Unmarshal(trimmed, &edit); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		edits, single = []TextEdit{edit}, true
	}

	for _, edit := range edits {
		if err := edit.validate(); err != nil {
			return nil, false, err
		}
	}
	return edits, single, nil
}

func encodeTextEdits(edits []TextEdit, single bool) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if single && len(edits) == 1 {
		data, err = json.Marshal(edits[0])
	} else {
		data, err = json.Marshal(edits)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode text edits: %w", err)
	}
	return data, nil
}

// transformEdits rewrites a against b, where b was applied first and takes
// priority on equal insert positions
func transformEdits(a, b []TextEdit) []TextEdit {
	out := make([]TextEdit, len(a))
	copy(out, a)
	for _, bEdit := range b {
		for j, aEdit := range out {
			out[j], bEdit = transformPair(aEdit, bEdit)
		}
	}
	return out
}

// transformPair derives the bottom two sides of the OT diamond for (a, b)
func transformPair(a, b TextEdit) (TextEdit, TextEdit) {
	switch {
	case a.Type == TextInsert && b.Type == TextInsert:
		if b.Pos <= a.Pos {
			a.Pos += b.size()
			return a, b
		}
		b.Pos += a.size()
		return a, b
	case a.Type == TextInsert && b.Type == TextDelete:
		return transformInsertDelete(a, b)
	case a.Type == TextDelete && b.Type == TextInsert:
		ins, del := transformInsertDelete(b, a)
		return del, ins
	default:
		aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
		if aEnd <= b.Pos {
			b.Pos -= a.Len
			return a, b
		}
		if bEnd <= a.Pos {
			a.Pos -= b.Len
			return a, b
		}
		// Overlapping deletes only remove what the other did not
		pos := min(a.Pos, b.Pos)
		overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)
		return TextEdit{Type: TextDelete, Pos: pos, Len: a.Len - overlap},
			TextEdit{Type: TextDelete, Pos: pos, Len: b.Len - overlap}
	}
}

func transformInsertDelete(ins, del TextEdit) (TextEdit, TextEdit) {
	switch {
	case ins.Pos <= del.Pos:
		del.Pos += ins.size()
		return ins, del
	case ins.Pos >= del.Pos+del.Len:
		ins.Pos -= del.Len
		return ins, del
	default:
		// Insert inside the deleted range is swallowed by the delete
		return TextEdit{Type: TextInsert, Pos: del.Pos},
			TextEdit{Type: TextDelete, Pos: del.Pos, Len: del.Len + ins.size()}
	}
}
