package model

import "encoding/json"

// Operation is a single edit submitted by a client. Payload is opaque to the
// sync core and only interpreted by the transform engine.
type Operation struct {
	RoomName      string          `json:"roomName"`
	ConnectionID  string          `json:"connectionId"`
	CurrentUser   string          `json:"currentUser"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Version       int             `json:"version"`
	IsTransformed bool            `json:"isTransformed"`
	// BaseVersion is the last version the client had applied when it
	// produced the operation. Entries with versions in (BaseVersion, Version)
	// are the ones it raced with.
	BaseVersion int `json:"baseVersion,omitempty"`
	// Discarded marks an entry whose edit could not be committed. It keeps
	// its version so the log stays gapless but carries an empty payload.
	Discarded bool `json:"discarded,omitempty"`
}

// EmptyPayload is the payload of a discarded entry. Every engine reads it
// as an edit that changes nothing.
var EmptyPayload = json.RawMessage("[]")

// ConcurrentWith reports whether other was committed after op's base but
// before op itself
func (o *Operation) ConcurrentWith(other *Operation) bool {
	return other.Version > o.BaseVersion && other.Version < o.Version
}

// Clone returns a deep copy of the operation
func (o *Operation) Clone() *Operation {
	c := *o
	if o.Payload != nil {
		c.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	return &c
}

// Discard returns a copy of the operation with its edit dropped
func (o *Operation) Discard() *Operation {
	c := *o
	c.Payload = append(json.RawMessage(nil), EmptyPayload...)
	c.IsTransformed = true
	c.Discarded = true
	return &c
}

// SaveInfo is a unit of persistence work
type SaveInfo struct {
	Operations  []*Operation `json:"operations"`
	PartialSave bool         `json:"partialSave"`
	RoomName    string       `json:"roomName"`
}

// LastVersion returns the highest version in the batch, or 0 if empty
func (s *SaveInfo) LastVersion() int {
	last := 0
	for _, op := range s.Operations {
		if op.Version > last {
			last = op.Version
		}
	}
	return last
}

// InsertResult is returned by the version store when an operation is logged
type InsertResult struct {
	Version    int
	Concurrent []*Operation
	Cleared    []*Operation // nil unless the save threshold was crossed
}
