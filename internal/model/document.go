package model

import (
	"encoding/json"
	"time"
)

// Document is a stored document together with the last operation version
// folded into its content
type Document struct {
	Name      string
	Content   []byte
	Version   int
	UpdatedAt time.Time
}

// FileInfo is the ImportFile request body
type FileInfo struct {
	FileName      string `json:"fileName"`
	DocumentOwner string `json:"documentOwner"`
}

// DocumentContent is the ImportFile response body
type DocumentContent struct {
	Version  int             `json:"version"`
	Document json.RawMessage `json:"document"`
}

// EventKind identifies the payload carried by a dataReceived event
type EventKind string

const (
	// EventConnectionID tells a new connection its id
	EventConnectionID EventKind = "connectionId"
	// EventAction carries a finalized operation
	EventAction EventKind = "action"
	// EventAddUser announces the room members after a join
	EventAddUser EventKind = "addUser"
	// EventRemoveUser announces a member that left
	EventRemoveUser EventKind = "removeUser"
)

// EventDataReceived is the only event name the hub emits
const EventDataReceived = "dataReceived"

// HubEvent is sent from the hub to clients
type HubEvent struct {
	Event   string          `json:"event"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// HubCommand names
const (
	CommandJoinGroup  = "JoinGroup"
	CommandLeaveGroup = "LeaveGroup"
)

// HubCommand is sent from clients to the hub
type HubCommand struct {
	Command     string `json:"command"`
	RoomName    string `json:"roomName"`
	CurrentUser string `json:"currentUser"`
}

// RoomUser is one entry of an addUser/removeUser payload
type RoomUser struct {
	ConnectionID string `json:"connectionId"`
	User         string `json:"user"`
}
