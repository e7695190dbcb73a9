package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bmadlife/backend/internal/session"
)

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) session.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env session.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("frame not an envelope: %v (%s)", err, data)
	}
	return env
}

func TestGatewayRegistersAndReceivesBroadcasts(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	conn := dialSession(t, srv, "game1")
	defer conn.Close()

	waitCond(t, "registration", func() bool { return f.registry.ConnCount("game1") == 1 })

	f.registry.Broadcast("game1", "arena.gm.reaction", map[string]any{"mood": "smug"})

	env := readEnvelope(t, conn)
	if env.Event != "arena.gm.reaction" {
		t.Errorf("event = %q", env.Event)
	}
	if env.Data.(map[string]any)["mood"] != "smug" {
		t.Errorf("data = %v", env.Data)
	}
}

func TestGatewayFanOutToMultipleConnections(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	c1 := dialSession(t, srv, "game1")
	defer c1.Close()
	c2 := dialSession(t, srv, "game1")
	defer c2.Close()
	other := dialSession(t, srv, "game2")
	defer other.Close()

	waitCond(t, "registrations", func() bool {
		return f.registry.ConnCount("game1") == 2 && f.registry.ConnCount("game2") == 1
	})

	f.registry.Broadcast("game1", "x", map[string]any{"n": 1})

	for _, conn := range []*websocket.Conn{c1, c2} {
		env := readEnvelope(t, conn)
		if env.Event != "x" {
			t.Errorf("event = %q, want x", env.Event)
		}
	}

	// game2 must not see game1 traffic.
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("connection in another session received the broadcast")
	}
}

func TestGatewayUnregistersOnDisconnect(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	conn := dialSession(t, srv, "game1")
	waitCond(t, "registration", func() bool { return f.registry.ConnCount("game1") == 1 })

	conn.Close()
	waitCond(t, "eviction", func() bool { return !f.registry.Exists("game1") })
}

func TestGatewayRejectsBadPath(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/a/b"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("dial with nested path should fail")
	}
}
