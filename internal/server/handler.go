package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/voicelink/internal/audio"
	"github.com/eleven-am/voicelink/internal/auth"
	"github.com/eleven-am/voicelink/internal/metrics"
	"github.com/eleven-am/voicelink/internal/protocol"
	"github.com/eleven-am/voicelink/internal/speech"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultSampleRate    = 16000
	defaultFormat        = "pcm16"
)

// TokenValidator verifies a bearer token and returns the claims it carries.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Options configures one Server instance.
type Options struct {
	// TrustedMode accepts every auth message without verifying the token.
	// Meant for internal deployments behind an authenticating proxy.
	TrustedMode bool

	AllowedOrigin string

	SweepInterval time.Duration
	IdleTimeout   time.Duration

	// ChunksPerSecond caps the audio chunk rate per connection.
	// Zero disables rate limiting.
	ChunksPerSecond float64
	ChunkBurst      int
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.ChunkBurst <= 0 {
		o.ChunkBurst = 50
	}
	return o
}

// Server accepts websocket connections and routes protocol messages
// between clients and per-connection speech sessions.
type Server struct {
	registry  *Registry
	validator TokenValidator
	factory   speech.Factory
	presence  *Presence
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	upgrader  websocket.Upgrader
}

func NewServer(validator TokenValidator, factory speech.Factory, presence *Presence, m *metrics.Metrics, logger *slog.Logger, opts Options) *Server {
	opts = opts.withDefaults()

	s := &Server{
		registry:  NewRegistry(),
		validator: validator,
		factory:   factory,
		presence:  presence,
		metrics:   m,
		logger:    logger.With("component", "ws_server"),
		opts:      opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowedOrigin == "" {
		return true
	}
	return r.Header.Get("Origin") == s.opts.AllowedOrigin
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.ChunksPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.opts.ChunksPerSecond), s.opts.ChunkBurst)
}

// HandleConnection upgrades the request and runs the connection until it
// closes. Registered as an echo route.
func (s *Server) HandleConnection(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	conn := NewConnection(ws, s.logger, s.newLimiter())
	conn.onDrop = s.metrics.RecordMessageDropped
	s.registry.Add(conn)
	s.metrics.RecordConnectionOpened()
	s.logger.Info("client connected", "connection_id", conn.ID())

	conn.Send(protocol.NewAuthRequired("authentication required"))

	go conn.writePump()
	conn.readPump(func(data []byte) {
		s.dispatch(conn, data)
	})

	s.teardown(conn)
	s.logger.Info("client disconnected", "connection_id", conn.ID())
	return nil
}

// teardown releases everything a connection owns. Safe to call more than
// once; the registry removal decides which caller records the close.
func (s *Server) teardown(conn *Connection) {
	if adapter := conn.TakeAdapter(); adapter != nil {
		if err := adapter.Close(); err != nil {
			s.logger.Error("failed to close speech session", "connection_id", conn.ID(), "error", err)
		}
		s.metrics.RecordStreamEnded()
	}

	_ = conn.Close()

	if s.registry.Remove(conn.ID()) {
		s.metrics.RecordConnectionClosed()
		s.presence.ConnectionOffline(context.Background(), conn.ID())
	}
}

func (s *Server) sendError(conn *Connection, code, message string) {
	s.metrics.RecordProtocolError(code)
	conn.Send(protocol.NewError(code, message))
}

func (s *Server) dispatch(conn *Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidMessage, "malformed message")
		return
	}

	if !protocol.KnownType(msg.Type) {
		s.sendError(conn, protocol.CodeUnknownMessageType, "unknown message type: "+string(msg.Type))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeAuth:
		s.handleAuth(conn, msg)
		return
	case protocol.MessageTypePing:
		conn.Send(protocol.NewPong())
		return
	case protocol.MessageTypePong:
		return
	}

	if !conn.Authenticated() {
		s.sendError(conn, protocol.CodeAuthRequired, "authenticate before sending "+string(msg.Type))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeAudioStreamStart:
		s.handleStreamStart(conn, msg)
	case protocol.MessageTypeAudioChunk:
		s.handleAudioChunk(conn, msg)
	case protocol.MessageTypeAudioStreamEnd:
		s.handleStreamEnd(conn, msg)
	case protocol.MessageTypeCommand:
		s.handleCommand(conn, msg)
	case protocol.MessageTypeHybridMode:
		s.handleHybridMode(conn, msg)
	default:
		// server-to-client types echoed back by a confused client
		s.sendError(conn, protocol.CodeUnknownMessageType, "unexpected message type: "+string(msg.Type))
	}
}

func (s *Server) handleAuth(conn *Connection, msg *protocol.Message) {
	if s.opts.TrustedMode {
		conn.SetAuthenticated("")
		conn.Send(protocol.NewAuthSuccess(conn.ID(), ""))
		s.presence.ConnectionOnline(context.Background(), conn.ID(), "")
		return
	}

	claims, err := s.validator.Validate(msg.Token)
	if err != nil {
		s.metrics.RecordAuthFailure()
		s.logger.Warn("authentication failed", "connection_id", conn.ID(), "error", err)
		s.sendError(conn, protocol.CodeAuthFailed, "invalid or expired token")
		conn.ShutdownSend()
		return
	}

	conn.SetAuthenticated(claims.UserID)
	conn.Send(protocol.NewAuthSuccess(conn.ID(), claims.UserID))
	s.presence.ConnectionOnline(context.Background(), conn.ID(), claims.UserID)
	s.logger.Info("client authenticated", "connection_id", conn.ID(), "user_id", claims.UserID)
}

func (s *Server) handleStreamStart(conn *Connection, msg *protocol.Message) {
	streamCfg := speech.StreamConfig{
		SampleRate: defaultSampleRate,
		Format:     defaultFormat,
		HybridMode: conn.HybridMode(),
	}
	if msg.Config != nil {
		if msg.Config.SampleRate > 0 {
			streamCfg.SampleRate = msg.Config.SampleRate
		}
		if msg.Config.Format != "" {
			streamCfg.Format = msg.Config.Format
		}
		streamCfg.Language = msg.Config.Language
	}

	adapter, err := s.factory(streamCfg, speech.Callbacks{
		OnTranscript: func(text string, isFinal bool) {
			conn.Send(&protocol.Message{
				Type:       protocol.MessageTypeRecognitionResult,
				Transcript: text,
				IsFinal:    isFinal,
			})
		},
		OnCommand: func(command, rawText string) {
			conn.Send(&protocol.Message{
				Type:    protocol.MessageTypeCommand,
				Command: command,
				Context: rawText,
			})
		},
		OnAudioResponse: func(audioBytes []byte) {
			conn.Send(&protocol.Message{
				Type:   protocol.MessageTypeAudioResponse,
				Data:   audio.EncodeBytesToBase64(audioBytes),
				Format: streamCfg.Format,
			})
		},
		OnError: func(err error) {
			s.sendError(conn, protocol.CodeAudioProcessingFailed, err.Error())
		},
	})
	if err != nil {
		s.logger.Error("failed to start speech session", "connection_id", conn.ID(), "error", err)
		s.sendError(conn, protocol.CodeStreamStartFailed, "could not start speech session")
		return
	}

	// a start while a stream is open replaces it
	if previous := conn.TakeAdapter(); previous != nil {
		_ = previous.Close()
		s.metrics.RecordStreamEnded()
	}

	conn.SetAdapter(adapter)
	s.metrics.RecordStreamStarted()
	s.logger.Info("audio stream started", "connection_id", conn.ID(), "sample_rate", streamCfg.SampleRate, "format", streamCfg.Format)
}

func (s *Server) handleAudioChunk(conn *Connection, msg *protocol.Message) {
	adapter := conn.Adapter()
	if adapter == nil {
		s.sendError(conn, protocol.CodeStreamNotStarted, "no active audio stream")
		return
	}

	if !conn.AllowChunk() {
		s.sendError(conn, protocol.CodeRateLimitExceeded, "audio chunk rate limit exceeded")
		return
	}

	pcm, err := audio.DecodeBytesFromBase64(msg.Data)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidMessage, "audio chunk is not valid base64")
		return
	}

	// dispatch runs on the connection's read goroutine, so chunks reach
	// the adapter strictly in arrival order
	if err := adapter.SendAudio(pcm); err != nil {
		s.logger.Error("failed to forward audio chunk", "connection_id", conn.ID(), "sequence", msg.Sequence, "error", err)
		s.sendError(conn, protocol.CodeAudioProcessingFailed, "could not process audio chunk")
		return
	}

	s.metrics.RecordChunkForwarded(len(pcm))
}

func (s *Server) handleStreamEnd(conn *Connection, msg *protocol.Message) {
	adapter := conn.TakeAdapter()
	if adapter == nil {
		return
	}

	if err := adapter.Close(); err != nil {
		s.logger.Error("failed to end speech session", "connection_id", conn.ID(), "error", err)
		s.sendError(conn, protocol.CodeStreamEndFailed, "could not end speech session")
	}
	s.metrics.RecordStreamEnded()
	s.logger.Info("audio stream ended", "connection_id", conn.ID(), "duration", msg.Duration)
}

func (s *Server) handleCommand(conn *Connection, msg *protocol.Message) {
	adapter := conn.Adapter()
	if adapter == nil {
		return
	}

	if err := adapter.SendCommand(msg.Command, msg.Context); err != nil {
		s.logger.Error("failed to forward command", "connection_id", conn.ID(), "command", msg.Command, "error", err)
		s.sendError(conn, protocol.CodeCommandProcessingFailed, "could not process command")
	}
}

func (s *Server) handleHybridMode(conn *Connection, msg *protocol.Message) {
	if msg.Enabled == nil {
		s.sendError(conn, protocol.CodeInvalidMessage, "hybrid_mode requires enabled")
		return
	}

	enabled := *msg.Enabled
	conn.SetHybridMode(enabled)
	if adapter := conn.Adapter(); adapter != nil {
		adapter.SetHybridMode(enabled)
	}

	conn.Send(&protocol.Message{
		Type:    protocol.MessageTypeHybridModeUpdated,
		Enabled: &enabled,
	})
}
