package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicelink/internal/audio"
	"github.com/eleven-am/voicelink/internal/protocol"
	"github.com/eleven-am/voicelink/internal/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRateLimitCooldown = 60 * time.Second
	defaultDialTimeout       = 10 * time.Second
	writeWait                = 10 * time.Second
)

// State is the client-side connection lifecycle.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateError         State = "error"
)

var (
	// ErrInvalidState is returned by Connect when the client is already
	// connected or mid-handshake.
	ErrInvalidState = errors.New("connect is only valid from the disconnected or error state")

	// ErrNotAuthenticated is returned by StartAudioStream before the
	// authentication handshake completes.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrReconnectExhausted is surfaced once the reconnect attempt cap
	// is exceeded.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ProtocolError is an error message received from the server.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

type Config struct {
	URL   string
	Token string

	Backoff           shared.BackoffConfig
	HeartbeatInterval time.Duration
	RateLimitCooldown time.Duration
	DialTimeout       time.Duration
	QueueLimit        int
}

type Callbacks struct {
	OnStateChange       func(state State)
	OnTranscript        func(text string, isFinal bool)
	OnCommand           func(command, context string)
	OnAudioResponse     func(audio []byte, format string)
	OnHybridModeUpdated func(enabled bool)
	OnError             func(err error)
}

// Client owns one logical session to the voice server: the state
// machine, the authentication handshake, heartbeats, reconnection with
// backoff, and queueing of messages sent before authentication.
type Client struct {
	id     string
	cfg    Config
	cb     Callbacks
	logger *slog.Logger
	dialer websocket.Dialer

	// writeMu serializes socket writes across the heartbeat, the read
	// loop's replies, and caller sends
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	sessionID      string
	queue          *messageQueue
	attempts       int
	generation     int
	sequence       int64
	stopHeartbeat  chan struct{}
	reconnectTimer *time.Timer
	rateLimited    bool
	manualClose    bool
}

func NewClient(cfg Config, cb Callbacks, logger *slog.Logger) *Client {
	cfg.Backoff = shared.NormalizeBackoff(cfg.Backoff)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = defaultRateLimitCooldown
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	id := uuid.New().String()
	return &Client{
		id:     id,
		cfg:    cfg,
		cb:     cb,
		logger: logger.With("component", "voice_client", "client_id", id),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		queue:  newMessageQueue(cfg.QueueLimit),
		state:  StateDisconnected,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty until
// authenticated.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// setStateLocked transitions the state and returns the callback to run
// once the lock is released, or nil.
func (c *Client) setStateLocked(s State) func() {
	if c.state == s {
		return nil
	}
	c.state = s
	if c.cb.OnStateChange == nil {
		return nil
	}
	cb := c.cb.OnStateChange
	return func() { cb(s) }
}

// Connect opens the transport and starts the handshake. Only valid from
// the disconnected or error state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.manualClose = false
	c.attempts = 0
	c.rateLimited = false
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	return c.dial(ctx, false)
}

func (c *Client) dial(ctx context.Context, fromReconnect bool) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		if fromReconnect {
			c.scheduleReconnect()
			return err
		}
		c.mu.Lock()
		notify := c.setStateLocked(StateError)
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	go c.readLoop(conn, gen)
	go c.heartbeat(conn, stop)

	if err := c.sendAuth(conn); err != nil {
		c.logger.Error("failed to send auth", "error", err)
	}
	return nil
}

func (c *Client) sendAuth(conn *websocket.Conn) error {
	return c.writeMsg(conn, &protocol.Message{
		Type:  protocol.MessageTypeAuth,
		Token: c.cfg.Token,
	})
}

func (c *Client) writeMsg(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeMsg(conn, protocol.NewPing()); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}

		msg, derr := protocol.Decode(data)
		if derr != nil {
			c.emitError(derr)
			continue
		}

		c.handleMessage(conn, msg)
	}
}

func (c *Client) handleMessage(conn *websocket.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeAuthSuccess:
		c.handleAuthSuccess(conn, msg)

	case protocol.MessageTypeAuthRequired:
		// server may proactively request re-auth; answer without a
		// state change
		if err := c.sendAuth(conn); err != nil {
			c.logger.Error("failed to re-send auth", "error", err)
		}

	case protocol.MessageTypeRecognitionResult:
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(msg.Transcript, msg.IsFinal)
		}

	case protocol.MessageTypeCommand:
		if c.cb.OnCommand != nil {
			c.cb.OnCommand(msg.Command, msg.Context)
		}

	case protocol.MessageTypeAudioResponse:
		if c.cb.OnAudioResponse == nil {
			return
		}
		data, err := audio.DecodeBytesFromBase64(msg.Data)
		if err != nil {
			c.emitError(fmt.Errorf("decode audio response: %w", err))
			return
		}
		c.cb.OnAudioResponse(data, msg.Format)

	case protocol.MessageTypeHybridModeUpdated:
		if c.cb.OnHybridModeUpdated != nil && msg.Enabled != nil {
			c.cb.OnHybridModeUpdated(*msg.Enabled)
		}

	case protocol.MessageTypePing:
		if err := c.writeMsg(conn, protocol.NewPong()); err != nil {
			c.logger.Error("failed to answer ping", "error", err)
		}

	case protocol.MessageTypePong:

	case protocol.MessageTypeError:
		c.handleServerError(msg)

	default:
		c.logger.Warn("unhandled message type", "type", msg.Type)
	}
}

func (c *Client) handleAuthSuccess(conn *websocket.Conn, msg *protocol.Message) {
	c.mu.Lock()
	c.sessionID = msg.SessionID
	c.attempts = 0
	c.rateLimited = false
	pending := c.queue.Drain()
	notify := c.setStateLocked(StateAuthenticated)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	c.logger.Info("authenticated", "session_id", msg.SessionID, "queued", len(pending))

	for _, m := range pending {
		if err := c.writeMsg(conn, m); err != nil {
			c.emitError(fmt.Errorf("flush queued message: %w", err))
			return
		}
	}
}

func (c *Client) handleServerError(msg *protocol.Message) {
	perr := &ProtocolError{Code: msg.Code, Message: msg.Message}

	switch msg.Code {
	case protocol.CodeRateLimitExceeded:
		c.mu.Lock()
		c.rateLimited = true
		c.mu.Unlock()
	case protocol.CodeAuthFailed:
		// fatal; the server closes the socket next. Entering the error
		// state here keeps the close handler from scheduling a retry.
		c.mu.Lock()
		notify := c.setStateLocked(StateError)
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
	}

	c.emitError(perr)
}

// handleClosed classifies a read failure: deliberate disconnect, clean
// server close, or the unexpected close of an authenticated session,
// which is the only case that schedules a reconnect.
func (c *Client) handleClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.sessionID = ""
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}

	if c.manualClose || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		notify := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}

	wasAuthenticated := c.state == StateAuthenticated
	if !wasAuthenticated {
		notify := c.setStateLocked(StateError)
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		c.emitError(fmt.Errorf("connection closed before authentication: %w", err))
		return
	}

	c.mu.Unlock()
	c.logger.Warn("connection lost", "error", err)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		return
	}

	var delay time.Duration
	var attempt int
	if c.rateLimited {
		// single retry after the cool-down instead of the backoff curve
		c.rateLimited = false
		delay = c.cfg.RateLimitCooldown
		attempt = c.attempts
	} else {
		c.attempts++
		attempt = c.attempts
		if c.attempts > c.cfg.Backoff.MaxAttempts {
			notify := c.setStateLocked(StateError)
			c.mu.Unlock()
			if notify != nil {
				notify()
			}
			c.emitError(ErrReconnectExhausted)
			return
		}
		delay = c.cfg.Backoff.Delay(c.attempts)
	}

	notify := c.setStateLocked(StateDisconnected)
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.manualClose || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	_ = c.dial(ctx, true)
}

// Disconnect closes the session. Safe to call from any state and
// idempotent; sends after a disconnect are dropped, not queued.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	conn := c.conn
	c.conn = nil
	c.sessionID = ""
	c.queue = newMessageQueue(c.cfg.QueueLimit)
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

// send delivers immediately when authenticated, queues while the
// handshake is in flight, and drops silently after a disconnect.
func (c *Client) send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.state == StateAuthenticated && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.writeMsg(conn, msg)
	}
	if c.manualClose {
		c.mu.Unlock()
		return nil
	}
	if c.queue.Push(msg) {
		c.logger.Warn("outbound queue full, dropped oldest message")
	}
	c.mu.Unlock()
	return nil
}

// StartAudioStream begins a new recording. The per-recording sequence
// counter restarts at zero.
func (c *Client) StartAudioStream(cfg protocol.StreamConfig) error {
	c.mu.Lock()
	if c.state != StateAuthenticated || c.conn == nil {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	c.sequence = 0
	conn := c.conn
	c.mu.Unlock()

	return c.writeMsg(conn, &protocol.Message{
		Type:   protocol.MessageTypeAudioStreamStart,
		Config: &cfg,
	})
}

// SendAudioChunk encodes the PCM buffer and sends it with the next
// sequence number.
func (c *Client) SendAudioChunk(pcm []int16) error {
	c.mu.Lock()
	seq := c.sequence
	c.sequence++
	c.mu.Unlock()

	return c.send(&protocol.Message{
		Type:     protocol.MessageTypeAudioChunk,
		Data:     audio.EncodeToBase64(pcm),
		Sequence: seq,
	})
}

func (c *Client) EndAudioStream(duration float64) error {
	return c.send(&protocol.Message{
		Type:     protocol.MessageTypeAudioStreamEnd,
		Duration: duration,
	})
}

func (c *Client) SendCommand(command, context string) error {
	return c.send(&protocol.Message{
		Type:    protocol.MessageTypeCommand,
		Command: command,
		Context: context,
	})
}

func (c *Client) SetHybridMode(enabled bool) error {
	return c.send(&protocol.Message{
		Type:    protocol.MessageTypeHybridMode,
		Enabled: &enabled,
	})
}

func (c *Client) emitError(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
