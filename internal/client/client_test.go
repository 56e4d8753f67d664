package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voicelink/internal/protocol"
	"github.com/eleven-am/voicelink/internal/shared"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVoiceServer runs one handler per websocket dial and counts dials.
type fakeVoiceServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	dials   int
	handler func(ws *websocket.Conn, dial int)
}

func newFakeVoiceServer(t *testing.T, handler func(ws *websocket.Conn, dial int)) *fakeVoiceServer {
	f := &fakeVoiceServer{t: t, handler: handler}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		dial := f.dials
		f.mu.Unlock()
		f.handler(ws, dial)
		ws.Close()
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVoiceServer) url() string {
	return "ws" + f.server.URL[4:]
}

func (f *fakeVoiceServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func serverSend(ws *websocket.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func serverRead(ws *websocket.Conn) (*protocol.Message, error) {
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// authHandler greets, answers the auth message, and forwards every
// later client message into received.
func authHandler(sessionID string, received chan *protocol.Message) func(ws *websocket.Conn, dial int) {
	return func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		for {
			msg, err := serverRead(ws)
			if err != nil {
				return
			}
			if msg.Type == protocol.MessageTypeAuth {
				_ = serverSend(ws, protocol.NewAuthSuccess(sessionID, "user_1"))
				continue
			}
			if received != nil {
				received <- msg
			}
		}
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, c.State())
}

func waitForDials(t *testing.T, f *fakeVoiceServer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.dialCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dials, saw %d", want, f.dialCount())
}

func TestClient_AuthHandshake(t *testing.T) {
	f := newFakeVoiceServer(t, authHandler("sess_1", nil))

	var mu sync.Mutex
	var states []State
	c := NewClient(Config{URL: f.url(), Token: "token"}, Callbacks{
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)

	if c.SessionID() != "sess_1" {
		t.Errorf("expected session sess_1, got %q", c.SessionID())
	}

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateAuthenticated}
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestClient_ConnectInvalidFromConnected(t *testing.T) {
	f := newFakeVoiceServer(t, authHandler("sess_1", nil))

	c := NewClient(Config{URL: f.url(), Token: "token"}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestClient_PreAuthQueueFlushedOnceInOrder(t *testing.T) {
	received := make(chan *protocol.Message, 16)
	release := make(chan struct{})

	f := newFakeVoiceServer(t, func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		for {
			msg, err := serverRead(ws)
			if err != nil {
				return
			}
			if msg.Type == protocol.MessageTypeAuth {
				<-release
				_ = serverSend(ws, protocol.NewAuthSuccess("sess_1", "user_1"))
				continue
			}
			received <- msg
		}
	})

	c := NewClient(Config{URL: f.url(), Token: "token"}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	for _, cmd := range []string{"first", "second", "third"} {
		if err := c.SendCommand(cmd, ""); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if c.QueuedMessages() != 3 {
		t.Fatalf("expected 3 queued messages, got %d", c.QueuedMessages())
	}

	close(release)
	waitForState(t, c, StateAuthenticated)

	for _, want := range []string{"first", "second", "third"} {
		select {
		case msg := <-received:
			if msg.Command != want {
				t.Errorf("expected command %q, got %q", want, msg.Command)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for command %q", want)
		}
	}

	if c.QueuedMessages() != 0 {
		t.Errorf("queue should be empty after flush, has %d", c.QueuedMessages())
	}

	// a later send goes straight through, no replay of the queue
	if err := c.SendCommand("fourth", ""); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Command != "fourth" {
			t.Errorf("expected fourth, got %q", msg.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fourth command")
	}
	select {
	case msg := <-received:
		t.Errorf("unexpected duplicate message %q", msg.Command)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_QueueDropsOldestWhenFull(t *testing.T) {
	q := newMessageQueue(3)

	for _, cmd := range []string{"a", "b", "c"} {
		if dropped := q.Push(&protocol.Message{Type: protocol.MessageTypeCommand, Command: cmd}); dropped {
			t.Errorf("push %q should not drop", cmd)
		}
	}
	if dropped := q.Push(&protocol.Message{Type: protocol.MessageTypeCommand, Command: "d"}); !dropped {
		t.Error("push beyond the limit should drop")
	}

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"b", "c", "d"} {
		if items[i].Command != want {
			t.Errorf("item %d: expected %q, got %q", i, want, items[i].Command)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, has %d", q.Len())
	}
}

func TestClient_StartStreamRequiresAuth(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:0", Token: "token"}, Callbacks{}, testLogger())

	err := c.StartAudioStream(protocol.StreamConfig{SampleRate: 16000, Format: "pcm16"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClient_SequenceResetsPerStream(t *testing.T) {
	received := make(chan *protocol.Message, 16)
	f := newFakeVoiceServer(t, authHandler("sess_1", received))

	c := NewClient(Config{URL: f.url(), Token: "token"}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)

	readMsg := func() *protocol.Message {
		select {
		case msg := <-received:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
			panic("unreachable")
		}
	}

	if err := c.StartAudioStream(protocol.StreamConfig{SampleRate: 16000, Format: "pcm16"}); err != nil {
		t.Fatalf("start stream failed: %v", err)
	}
	if msg := readMsg(); msg.Type != protocol.MessageTypeAudioStreamStart {
		t.Fatalf("expected audio_stream_start, got %s", msg.Type)
	}

	for want := int64(0); want < 3; want++ {
		if err := c.SendAudioChunk([]int16{1, 2, 3}); err != nil {
			t.Fatalf("send chunk failed: %v", err)
		}
		msg := readMsg()
		if msg.Type != protocol.MessageTypeAudioChunk || msg.Sequence != want {
			t.Errorf("expected chunk seq %d, got %s seq %d", want, msg.Type, msg.Sequence)
		}
	}

	// a new recording restarts the counter
	if err := c.StartAudioStream(protocol.StreamConfig{SampleRate: 16000, Format: "pcm16"}); err != nil {
		t.Fatalf("restart stream failed: %v", err)
	}
	readMsg()
	if err := c.SendAudioChunk([]int16{4}); err != nil {
		t.Fatalf("send chunk failed: %v", err)
	}
	if msg := readMsg(); msg.Sequence != 0 {
		t.Errorf("expected sequence reset to 0, got %d", msg.Sequence)
	}
}

func TestClient_ReconnectsAfterUnexpectedClose(t *testing.T) {
	f := newFakeVoiceServer(t, func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		msg, err := serverRead(ws)
		if err != nil || msg.Type != protocol.MessageTypeAuth {
			return
		}
		_ = serverSend(ws, protocol.NewAuthSuccess("sess", "user_1"))
		if dial == 1 {
			// drop the connection without a close frame
			return
		}
		for {
			if _, err := serverRead(ws); err != nil {
				return
			}
		}
	})

	c := NewClient(Config{
		URL:     f.url(),
		Token:   "token",
		Backoff: shared.BackoffConfig{Initial: 10 * time.Millisecond, MaxAttempts: 3},
	}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitForDials(t, f, 2)
	waitForState(t, c, StateAuthenticated)

	if f.dialCount() != 2 {
		t.Errorf("expected exactly 2 dials, got %d", f.dialCount())
	}
}

func TestClient_CleanCloseDoesNotReconnect(t *testing.T) {
	f := newFakeVoiceServer(t, func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		msg, err := serverRead(ws)
		if err != nil || msg.Type != protocol.MessageTypeAuth {
			return
		}
		_ = serverSend(ws, protocol.NewAuthSuccess("sess", "user_1"))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	c := NewClient(Config{
		URL:     f.url(),
		Token:   "token",
		Backoff: shared.BackoffConfig{Initial: 10 * time.Millisecond, MaxAttempts: 3},
	}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitForState(t, c, StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	if f.dialCount() != 1 {
		t.Errorf("clean close should not trigger reconnect, saw %d dials", f.dialCount())
	}
}

func TestClient_ReconnectExhaustionEntersErrorState(t *testing.T) {
	release := make(chan struct{})
	f := newFakeVoiceServer(t, func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		msg, err := serverRead(ws)
		if err != nil || msg.Type != protocol.MessageTypeAuth {
			return
		}
		_ = serverSend(ws, protocol.NewAuthSuccess("sess", "user_1"))
		// hold the connection open until the test cuts it
		<-release
	})

	errs := make(chan error, 16)
	c := NewClient(Config{
		URL:     f.url(),
		Token:   "token",
		Backoff: shared.BackoffConfig{Initial: 5 * time.Millisecond, MaxAttempts: 2},
	}, Callbacks{
		OnError: func(err error) { errs <- err },
	}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)

	// stop accepting new connections, then cut the live one: every
	// reconnect dial fails and attempts accumulate until the cap
	f.server.Listener.Close()
	close(release)

	waitForState(t, c, StateError)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-errs:
			if errors.Is(err, ErrReconnectExhausted) {
				return
			}
		case <-deadline:
			t.Fatal("ErrReconnectExhausted was never surfaced")
		}
	}
}

func TestClient_RateLimitSingleRetryAfterCooldown(t *testing.T) {
	f := newFakeVoiceServer(t, func(ws *websocket.Conn, dial int) {
		_ = serverSend(ws, protocol.NewAuthRequired("authentication required"))
		msg, err := serverRead(ws)
		if err != nil || msg.Type != protocol.MessageTypeAuth {
			return
		}
		_ = serverSend(ws, protocol.NewAuthSuccess("sess", "user_1"))
		if dial == 1 {
			_ = serverSend(ws, protocol.NewError(protocol.CodeRateLimitExceeded, "slow down"))
			return
		}
		for {
			if _, err := serverRead(ws); err != nil {
				return
			}
		}
	})

	start := time.Now()
	c := NewClient(Config{
		URL:               f.url(),
		Token:             "token",
		Backoff:           shared.BackoffConfig{Initial: time.Second, MaxAttempts: 3},
		RateLimitCooldown: 50 * time.Millisecond,
	}, Callbacks{}, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitForDials(t, f, 2)
	waitForState(t, c, StateAuthenticated)

	// the retry used the cool-down, not the 1s backoff base
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("retry took %v, expected the cool-down to apply", elapsed)
	}
}

func TestClient_DisconnectIdempotentAndDropsSends(t *testing.T) {
	received := make(chan *protocol.Message, 16)
	f := newFakeVoiceServer(t, authHandler("sess_1", received))

	c := NewClient(Config{URL: f.url(), Token: "token"}, Callbacks{}, testLogger())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)

	c.Disconnect()
	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	if c.SessionID() != "" {
		t.Errorf("session id should be cleared, got %q", c.SessionID())
	}

	if err := c.SendCommand("late", ""); err != nil {
		t.Errorf("post-disconnect send should be a silent drop, got %v", err)
	}
	if c.QueuedMessages() != 0 {
		t.Errorf("post-disconnect sends must not queue, found %d", c.QueuedMessages())
	}

	// disconnect is not terminal: a fresh connect works
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after disconnect failed: %v", err)
	}
	waitForState(t, c, StateAuthenticated)
	c.Disconnect()
}
