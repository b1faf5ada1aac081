// Package hub fans room events out to websocket connections.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config holds hub configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns the hub defaults
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		MaxMessageSize:  1 << 20,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
	}
}

// RoomEvent is one event addressed to a room. Exclude names a connection
// that must not receive it.
type RoomEvent struct {
	Room    string          `json:"room"`
	Kind    model.EventKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Exclude string          `json:"exclude,omitempty"`
}

// Publisher carries room events to every hub instance, including this one
type Publisher interface {
	Publish(ctx context.Context, event *RoomEvent) error
}

// RoomEmptyFunc is called when the last member leaves a room
type RoomEmptyFunc func(ctx context.Context, room string) error

// Hub tracks connections and their room memberships
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	publisher   Publisher
	presence    Presence
	onRoomEmpty RoomEmptyFunc
	wg          sync.WaitGroup
}

// New creates a hub
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}

	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Origin policy is enforced by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// SetPublisher routes broadcasts through p instead of delivering locally
func (h *Hub) SetPublisher(p Publisher) {
	h.publisher = p
}

// SetPresence makes room emptiness a decision across instances. Without it
// a room is empty when this instance has no members left in it.
func (h *Hub) SetPresence(p Presence) {
	h.presence = p
}

// OnRoomEmpty registers the callback run when a room loses its last member
func (h *Hub) OnRoomEmpty(fn RoomEmptyFunc) {
	h.onRoomEmpty = fn
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), h, conn)
	h.register(c)

	if err := c.sendEvent(model.EventConnectionID, c.id); err != nil {
		h.logger.Error("Failed to send connection id", zap.Error(err))
	}

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	connections := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnections(connections)
	h.logger.Debug("Connection registered",
		zap.String("connection_id", c.id),
		zap.Int("connections", connections))
}

// unregister removes c from every room it joined and closes it
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	rooms := make(map[string]string, len(c.rooms))
	for room, user := range c.rooms {
		rooms[room] = user
	}
	h.mu.Unlock()

	for room := range rooms {
		h.Leave(c.id, room)
	}
	c.close()

	h.mu.RLock()
	connections := len(h.clients)
	h.mu.RUnlock()
	h.metrics.SetConnections(connections)

	h.logger.Debug("Connection unregistered",
		zap.String("connection_id", c.id),
		zap.Int("connections", connections))
}

// Join adds a connection to a room and announces the member list
func (h *Hub) Join(connectionID, room, user string) error {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = user
	users := roomUsers(room, members)
	roomCount := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(roomCount)
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
		err := h.presence.Add(ctx, room, connectionID)
		cancel()
		if err != nil {
			h.logger.Warn("Failed to record room member",
				zap.String("room", room),
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
	}
	h.logger.Info("Connection joined room",
		zap.String("connection_id", connectionID),
		zap.String("room", room),
		zap.String("user", user),
		zap.Int("members", len(users)))

	return h.Broadcast(context.Background(), room, model.EventAddUser, users, "")
}

// Leave removes a connection from a room. The remaining members are told.
// A room left without members on any instance triggers the room-empty
// callback.
func (h *Hub) Leave(connectionID, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return
	}
	c, ok := members[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	user := c.rooms[room]
	delete(members, connectionID)
	delete(c.rooms, room)
	empty := len(members) == 0
	if empty {
		delete(h.rooms, room)
	}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
		remaining, err := h.presence.Remove(ctx, room, connectionID)
		cancel()
		if err != nil {
			h.logger.Warn("Failed to read room members, using local membership",
				zap.String("room", room),
				zap.Error(err))
		} else {
			empty = empty && remaining == 0
		}
	}

	h.metrics.SetRooms(roomCount)
	h.logger.Info("Connection left room",
		zap.String("connection_id", connectionID),
		zap.String("room", room),
		zap.Bool("room_empty", empty))

	left := model.RoomUser{ConnectionID: connectionID, User: user}
	if err := h.Broadcast(context.Background(), room, model.EventRemoveUser, left, connectionID); err != nil {
		h.logger.Warn("Failed to announce departure", zap.String("room", room), zap.Error(err))
	}

	if empty && h.onRoomEmpty != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.onRoomEmpty(context.Background(), room); err != nil {
				h.logger.Error("Room empty callback failed",
					zap.String("room", room),
					zap.Error(err))
			}
		}()
	}
}

// Members returns the users currently in a room on this instance
func (h *Hub) Members(room string) []model.RoomUser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return roomUsers(room, h.rooms[room])
}

// Broadcast sends an event to every member of room except exclude
func (h *Hub) Broadcast(ctx context.Context, room string, kind model.EventKind, payload interface{}, exclude string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	event := &RoomEvent{Room: room, Kind: kind, Payload: data, Exclude: exclude}

	if h.publisher != nil {
		err := h.publisher.Publish(ctx, event)
		if err == nil {
			return nil
		}
		h.metrics.RecordRelayError()
		h.logger.Warn("Relay publish failed, delivering locally",
			zap.String("room", room),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	h.Deliver(event)
	return nil
}

// Deliver sends an event to the local members of its room
func (h *Hub) Deliver(event *RoomEvent) {
	msg, err := json.Marshal(&model.HubEvent{
		Event:   model.EventDataReceived,
		Kind:    event.Kind,
		Payload: event.Payload,
	})
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[event.Room]))
	for id, c := range h.rooms[event.Room] {
		if id != event.Exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
	h.metrics.RecordBroadcast(string(event.Kind))
}

// Close disconnects every client, waits for them to unregister and then for
// the room-empty callbacks they triggered.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.RLock()
		remaining := len(h.clients)
		h.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d connections still open: %w", remaining, ctx.Err())
		case <-ticker.C:
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func roomUsers(room string, members map[string]*Client) []model.RoomUser {
	users := make([]model.RoomUser, 0, len(members))
	for id, c := range members {
		users = append(users, model.RoomUser{ConnectionID: id, User: c.rooms[room]})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ConnectionID < users[j].ConnectionID })
	return users
}
