package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxInboundBytes    = 16 * 1024
	recentDedupeWindow = 256
)

// connection owns one websocket. Frames are queued on a bounded buffer and
// written by a single writer goroutine; a consumer that lets the buffer fill
// is disconnected instead of stalling the publisher.
type connection struct {
	id      string
	socket  *websocket.Conn
	send    chan Frame
	done    chan struct{}
	recent  *recentKeys
	logger  *zap.Logger
	session *Session

	closeOnce sync.Once
}

func newConnection(id string, socket *websocket.Conn, buffer int, logger *zap.Logger) *connection {
	return &connection{
		id:     id,
		socket: socket,
		send:   make(chan Frame, buffer),
		done:   make(chan struct{}),
		recent: newRecentKeys(recentDedupeWindow),
		logger: logger.With(zap.String("connection_id", id)),
	}
}

// Deliver queues the frame without blocking.
func (c *connection) Deliver(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if frame.DedupeKey != "" && !c.recent.add(frame.DedupeKey) {
		return true
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Debug("realtime send buffer full, closing connection")
		c.shutdown()
		return false
	}
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *connection) readPump(ctx context.Context) {
	defer c.shutdown()
	c.socket.SetReadLimit(maxInboundBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.session.Handle(ctx, payload)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
				c.logger.Debug("realtime write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.socket.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// recentKeys remembers the last N dedupe keys in insertion order.
type recentKeys struct {
	mu    sync.Mutex
	limit int
	order []string
	index map[string]struct{}
}

func newRecentKeys(limit int) *recentKeys {
	return &recentKeys{
		limit: limit,
		order: make([]string, 0, limit),
		index: make(map[string]struct{}, limit),
	}
}

// add records the key and reports whether it was unseen.
func (r *recentKeys) add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.index[key]; seen {
		return false
	}
	if len(r.order) == r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.index, oldest)
	}
	r.order = append(r.order, key)
	r.index[key] = struct{}{}
	return true
}
