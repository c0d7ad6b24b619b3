// Package client is a websocket client for the realtime gateway, used by the
// listen command and by end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultEventBuffer      = 64
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

var (
	// ErrAuthenticationFailed reports a rejected authenticate frame.
	ErrAuthenticationFailed = errors.New("client: authentication failed")
	// ErrClosed reports an operation on a closed client.
	ErrClosed = errors.New("client: closed")

	errMissingToken = errors.New("client: token required")
)

// Options tune Dial. The zero value is usable.
type Options struct {
	Header      http.Header
	Dialer      *websocket.Dialer
	EventBuffer int
	Inbox       *NotificationInbox
	Logger      *zap.Logger
}

// Event is one server frame. Message carries the payload of newMessage,
// messageUpdated and messageDeleted frames; LastMessage carries the latest
// message of a roomMessageUpdate.
type Event struct {
	Type         string
	RoomID       string
	UserID       string
	Error        string
	Message      json.RawMessage
	LastMessage  json.RawMessage
	Notification *Notification
	Raw          json.RawMessage
}

type wireFrame struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	UserID       string          `json:"userId"`
	Success      bool            `json:"success"`
	Error        string          `json:"error"`
	Message      json.RawMessage `json:"message"`
	LastMessage  json.RawMessage `json:"lastMessage"`
	Notification *Notification   `json:"notification"`
}

// Client is an authenticated realtime connection.
type Client struct {
	conn   *websocket.Conn
	inbox  *NotificationInbox
	events chan Event
	logger *zap.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	err       error
}

// Dial opens a websocket to endpoint and completes the authenticate exchange
// before returning.
func Dial(ctx context.Context, endpoint, token string, options Options) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingToken
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := options.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	inbox := options.Inbox
	if inbox == nil {
		inbox = NewNotificationInbox(nil)
	}

	conn, response, err := dialer.DialContext(ctx, endpoint, options.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", endpoint, err, response.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", endpoint, err)
	}

	client := &Client{
		conn:    conn,
		inbox:   inbox,
		events:  make(chan Event, buffer),
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := client.authenticate(ctx, token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go client.readLoop()
	return client, nil
}

func (c *Client) authenticate(ctx context.Context, token string) error {
	if err := c.send(realtime.InboundFrame{Type: realtime.FrameAuthenticate, Token: token}); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("client: set read deadline: %w", err)
	}
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: read handshake: %w", err)
		}
		var frame wireFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("client: decode handshake: %w", err)
		}
		if frame.Type != realtime.FrameAuthenticated {
			continue
		}
		if !frame.Success {
			if frame.Error != "" {
				return fmt.Errorf("%w: %s", ErrAuthenticationFailed, frame.Error)
			}
			return ErrAuthenticationFailed
		}
		return c.conn.SetReadDeadline(time.Time{})
	}
}

// Events delivers server frames in arrival order. Duplicate notifications
// are filtered through the inbox. The channel closes when the connection
// ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Inbox returns the notification inbox fed by this connection.
func (c *Client) Inbox() *NotificationInbox {
	return c.inbox
}

// JoinRoom subscribes to a room. The outcome arrives as a joinedRoom or error event.
func (c *Client) JoinRoom(roomID string) error {
	return c.send(realtime.InboundFrame{Type: realtime.FrameJoinRoom, RoomID: roomID})
}

// LeaveRoom unsubscribes from a room.
func (c *Client) LeaveRoom(roomID string) error {
	return c.send(realtime.InboundFrame{Type: realtime.FrameLeaveRoom, RoomID: roomID})
}

// SendMessage posts a message into a joined room.
func (c *Client) SendMessage(roomID, content string) error {
	return c.send(realtime.InboundFrame{Type: realtime.FrameSendMessage, RoomID: roomID, Content: content})
}

// Err waits for the read loop to exit and returns the error that ended it, if any.
func (c *Client) Err() error {
	<-c.stopped
	return c.err
}

// Close sends a close frame and waits for the read loop to exit.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		closeErr = c.conn.Close()
	})
	<-c.stopped
	return closeErr
}

func (c *Client) send(frame realtime.InboundFrame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("client: set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("client: write %s: %w", frame.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.stopped)
	defer close(c.events)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.err = err
				}
			}
			return
		}
		event, ok := c.decode(payload)
		if !ok {
			continue
		}
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *Client) decode(payload []byte) (Event, bool) {
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Warn("realtime frame rejected", zap.Error(err))
		return Event{}, false
	}
	event := Event{
		Type:        frame.Type,
		RoomID:      frame.RoomID,
		UserID:      frame.UserID,
		Error:       frame.Error,
		LastMessage: frame.LastMessage,
		Raw:         json.RawMessage(payload),
	}
	switch frame.Type {
	case realtime.FrameError:
		var message string
		if err := json.Unmarshal(frame.Message, &message); err == nil {
			event.Error = message
		}
	case realtime.FrameNotification:
		if frame.Notification == nil || !c.inbox.Merge(*frame.Notification) {
			return Event{}, false
		}
		event.Notification = frame.Notification
	default:
		event.Message = frame.Message
	}
	return event, true
}
