package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicelink/internal/protocol"
	"github.com/eleven-am/voicelink/internal/shared"
	"github.com/eleven-am/voicelink/internal/speech"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Connection is the server-side record for one websocket client. The id
// doubles as the session id handed to the client on successful auth.
type Connection struct {
	id      string
	ws      *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	send chan *protocol.Message
	done chan struct{}

	onDrop func()

	mu            sync.RWMutex
	closed        bool
	sendClosed    bool
	authenticated bool
	userID        string
	hybridMode    bool
	lastSeen      time.Time
	adapter       speech.Adapter
}

func NewConnection(ws *websocket.Conn, logger *slog.Logger, limiter *rate.Limiter) *Connection {
	id := shared.NewID("conn")
	return &Connection{
		id:       id,
		ws:       ws,
		logger:   logger.With("connection_id", id),
		limiter:  limiter,
		send:     make(chan *protocol.Message, 256),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) SetAuthenticated(userID string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.mu.Unlock()
}

func (c *Connection) HybridMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hybridMode
}

func (c *Connection) SetHybridMode(enabled bool) {
	c.mu.Lock()
	c.hybridMode = enabled
	c.mu.Unlock()
}

// Touch records liveness. Any inbound traffic counts.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Connection) Adapter() speech.Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapter
}

func (c *Connection) SetAdapter(a speech.Adapter) {
	c.mu.Lock()
	c.adapter = a
	c.mu.Unlock()
}

// TakeAdapter clears and returns the adapter so the caller can close it.
// At most one caller ever observes a non-nil result, which keeps the
// adapter from being closed twice when teardown races with eviction.
func (c *Connection) TakeAdapter() speech.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.adapter
	c.adapter = nil
	return a
}

// AllowChunk reports whether the per-connection rate limit admits
// another audio chunk. A nil limiter admits everything.
func (c *Connection) AllowChunk() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Send enqueues a message for the write pump, dropping it if the buffer
// is full rather than blocking the caller.
func (c *Connection) Send(msg *protocol.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.sendClosed {
		return
	}

	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// ShutdownSend stops accepting outbound messages and lets the write pump
// drain what is already queued before closing the socket. Used for fatal
// errors that must still reach the client.
func (c *Connection) ShutdownSend() {
	c.mu.Lock()
	if c.closed || c.sendClosed {
		c.mu.Unlock()
		return
	}
	c.sendClosed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *Connection) readPump(handle func(data []byte)) {
	defer func() {
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.Touch()
		return nil
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		c.Touch()
		handle(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error("failed to encode message", "error", err)
				continue
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
