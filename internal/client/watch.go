package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler receives room events. Catch-up operations are delivered as
// action events.
type EventHandler func(event *model.HubEvent)

type session struct {
	conn         *websocket.Conn
	connectionID string
}

// Watch joins room as user and streams its events to handle until ctx is
// cancelled. since is the last version the caller has applied. Dropped
// connections are re-established with bounded exponential backoff; after
// every (re)join the operations committed in between are fetched first.
func (c *Client) Watch(ctx context.Context, room, user string, since int, handle EventHandler) error {
	last := since

	for {
		var s *session
		join := func() error {
			var err error
			s, err = c.join(ctx, room, user)
			if err != nil {
				return err
			}
			if err := c.catchUp(ctx, room, &last, handle); err != nil {
				s.conn.Close()
				if errors.Is(err, ErrStaleVersion) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Warn("Joining room failed, retrying",
				zap.String("room", room),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		if err := backoff.RetryNotify(join, c.newBackOff(ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to join room %s: %w", room, err)
		}

		c.logger.Info("Joined room",
			zap.String("room", room),
			zap.String("connection_id", s.connectionID),
			zap.Int("version", last))

		err := c.stream(ctx, s, room, &last, handle)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrStaleVersion) {
			return err
		}
		c.logger.Warn("Connection lost, reconnecting", zap.String("room", room), zap.Error(err))
	}
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	eb.MaxElapsedTime = c.cfg.MaxElapsedTime

	var b backoff.BackOff = eb
	if c.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.cfg.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func (c *Client) hubURL() string {
	u := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + hubPath
}

// join connects to the hub, waits for the connection id and joins room
func (c *Client) join(ctx context.Context, room, user string) (*session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.hubURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ev model.HubEvent
	if err := conn.ReadJSON(&ev); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read connection id: %w", err)
	}
	var id string
	if ev.Kind != model.EventConnectionID || json.Unmarshal(ev.Payload, &id) != nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", ev.Kind)
	}
	conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(&model.HubCommand{
		Command:     model.CommandJoinGroup,
		RoomName:    room,
		CurrentUser: user,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	return &session{conn: conn, connectionID: id}, nil
}

// catchUp delivers every operation after *last and advances it
func (c *Client) catchUp(ctx context.Context, room string, last *int, handle EventHandler) error {
	ops, err := c.GetActionsFromServer(ctx, room, *last)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Version <= *last {
			continue
		}
		payload, err := json.Marshal(op)
		if err != nil {
			return err
		}
		handle(&model.HubEvent{Event: model.EventDataReceived, Kind: model.EventAction, Payload: payload})
		*last = op.Version
	}
	return nil
}

// stream reads events until the connection drops or ctx is cancelled
func (c *Client) stream(ctx context.Context, s *session, room string, last *int, handle EventHandler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()
	defer s.conn.Close()

	for {
		var ev model.HubEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			return err
		}

		if ev.Kind != model.EventAction {
			handle(&ev)
			continue
		}

		var op model.Operation
		if err := json.Unmarshal(ev.Payload, &op); err != nil {
			c.logger.Warn("Ignoring malformed action", zap.Error(err))
			continue
		}
		if op.ConnectionID == s.connectionID || op.Version <= *last {
			continue
		}
		if op.Version > *last+1 {
			// Something was missed, the fetched range includes op itself
			if err := c.catchUp(ctx, room, last, handle); err != nil {
				return err
			}
			continue
		}
		handle(&ev)
		*last = op.Version
	}
}
