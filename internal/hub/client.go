package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/devrev/pairdoc/internal/model"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one websocket connection. rooms is guarded by the hub lock.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	rooms     map[string]string
	closeOnce sync.Once
}

func newClient(id string, h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:    id,
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendBufferSize),
		done:  make(chan struct{}),
		rooms: make(map[string]string),
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

func (c *Client) sendEvent(kind model.EventKind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(&model.HubEvent{Event: model.EventDataReceived, Kind: kind, Payload: data})
	if err != nil {
		return err
	}
	c.enqueue(msg)
	return nil
}

// enqueue never blocks. A client whose buffer is full is dropped.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.hub.logger.Warn("Dropping slow connection",
			zap.String("connection_id", c.id),
			zap.Int("buffered", len(c.send)))
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.hub.logger.Debug("Connection read ended",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}

		var cmd model.HubCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.logger.Warn("Ignoring malformed command",
				zap.String("connection_id", c.id),
				zap.Error(err))
			continue
		}
		c.handle(&cmd)
	}
}

func (c *Client) handle(cmd *model.HubCommand) {
	if cmd.RoomName == "" {
		c.hub.logger.Warn("Ignoring command without room",
			zap.String("connection_id", c.id),
			zap.String("command", cmd.Command))
		return
	}

	switch cmd.Command {
	case model.CommandJoinGroup:
		if err := c.hub.Join(c.id, cmd.RoomName, cmd.CurrentUser); err != nil {
			c.hub.logger.Warn("Join failed",
				zap.String("connection_id", c.id),
				zap.String("room", cmd.RoomName),
				zap.Error(err))
		}
	case model.CommandLeaveGroup:
		c.hub.Leave(c.id, cmd.RoomName)
	default:
		c.hub.logger.Warn("Unknown command",
			zap.String("connection_id", c.id),
			zap.String("command", cmd.Command))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
