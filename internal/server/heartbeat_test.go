package server

import (
	"testing"
	"time"

	"github.com/eleven-am/voicelink/internal/protocol"
)

func TestHeartbeat_EvictsStaleConnections(t *testing.T) {
	factory := &mockFactory{}
	srv, ts := newTestServer(t, Options{IdleTimeout: 60 * time.Second}, factory.factory)

	ws := dialTest(t, ts)
	success := authenticate(t, ws, "user_1")
	startStream(t, ws)
	waitFor(t, "adapter creation", func() bool { return factory.last() != nil })
	adapter := factory.last()

	conn, ok := srv.Registry().Get(success.SessionID)
	if !ok {
		t.Fatal("connection missing from registry")
	}

	// a sweep before the timeout leaves the connection alone
	srv.sweep(conn.LastSeen().Add(30 * time.Second))
	if srv.Registry().Count() != 1 {
		t.Fatal("connection evicted before its timeout elapsed")
	}

	srv.sweep(conn.LastSeen().Add(61 * time.Second))

	waitFor(t, "registry cleanup", func() bool { return srv.Registry().Count() == 0 })
	if adapter.closeCount() != 1 {
		t.Errorf("adapter should be closed exactly once, closed %d times", adapter.closeCount())
	}

	// the read pump also tears down after eviction; the adapter stays
	// closed exactly once
	time.Sleep(50 * time.Millisecond)
	if adapter.closeCount() != 1 {
		t.Errorf("adapter closed %d times after teardown race", adapter.closeCount())
	}
}

func TestHeartbeat_SweepPingsLiveConnections(t *testing.T) {
	factory := &mockFactory{}
	srv, ts := newTestServer(t, Options{}, factory.factory)

	ws := dialTest(t, ts)
	authenticate(t, ws, "user_1")

	waitFor(t, "registration", func() bool { return srv.Registry().Count() == 1 })
	srv.sweep(time.Now())

	msg := readMessage(t, ws)
	if msg.Type != protocol.MessageTypePing {
		t.Errorf("expected ping from sweep, got %s", msg.Type)
	}

	sendMessage(t, ws, protocol.NewPong())
	time.Sleep(20 * time.Millisecond)
	if srv.Registry().Count() != 1 {
		t.Error("responsive connection should not be evicted")
	}
}

func TestHeartbeat_ProtocolPingRefreshesLiveness(t *testing.T) {
	factory := &mockFactory{}
	srv, ts := newTestServer(t, Options{}, factory.factory)

	ws := dialTest(t, ts)
	success := authenticate(t, ws, "user_1")

	conn, _ := srv.Registry().Get(success.SessionID)
	before := conn.LastSeen()

	time.Sleep(20 * time.Millisecond)
	sendMessage(t, ws, protocol.NewPing())
	if reply := readMessage(t, ws); reply.Type != protocol.MessageTypePong {
		t.Fatalf("expected pong, got %s", reply.Type)
	}

	if !conn.LastSeen().After(before) {
		t.Error("ping should refresh the liveness timestamp")
	}
}
