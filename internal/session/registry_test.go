package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// fakeConn records delivered frames; failing=true makes every Send fail.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	failing bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("send failed")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func assertFrames(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	got := c.received()
	if len(got) != len(want) {
		t.Fatalf("connection %s got %d frames, want %d: %v", c.id, len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCreateValidIDs(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"a", "abc123", "A-b_c", "0sixty-four-chars-ok"} {
		if err := r.Create(id); err != nil {
			t.Errorf("Create(%q) failed: %v", id, err)
		}
	}
}

func TestCreateInvalidIDs(t *testing.T) {
	r := newTestRegistry()
	tests := []string{"", "-leading", "_leading", "has space", "haséaccent", string(make([]byte, 70))}
	for _, id := range tests {
		if err := r.Create(id); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Create(%q) = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("game1"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := r.Create("game1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second Create = %v, want ErrSessionExists", err)
	}
	// First session is intact.
	if !r.Exists("game1") {
		t.Error("session gone after duplicate Create")
	}
}

func TestRegisterGetOrCreate(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{id: "c1"}

	// No prior Create: the socket may arrive before the REST call.
	r.Register("early", c)
	if !r.Exists("early") {
		t.Fatal("Register did not create the session")
	}
	if got := r.ConnCount("early"); got != 1 {
		t.Errorf("ConnCount = %d, want 1", got)
	}
}

func TestBroadcastDeliversSameEnvelope(t *testing.T) {
	r := newTestRegistry()
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	r.Register("abc123", c1)
	r.Register("abc123", c2)

	r.Broadcast("abc123", "x", map[string]any{"n": 1})

	want := `{"event":"x","data":{"n":1}}`
	assertFrames(t, c1, want)
	assertFrames(t, c2, want)
}

func TestBroadcastMissingSessionIsNoop(t *testing.T) {
	r := newTestRegistry()
	// Must not panic or create anything.
	r.Broadcast("ghost", "x", nil)
	if r.Exists("ghost") {
		t.Error("Broadcast created a session")
	}
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	r := newTestRegistry()
	alive := &fakeConn{id: "alive"}
	dead := &fakeConn{id: "dead", failing: true}
	r.Register("s", alive)
	r.Register("s", dead)

	r.Broadcast("s", "first", "a")
	// The live connection is unaffected on the current call.
	assertFrames(t, alive, `{"event":"first","data":"a"}`)

	// The failed connection is absent from the set on the next call.
	if got := r.ConnCount("s"); got != 1 {
		t.Fatalf("ConnCount after prune = %d, want 1", got)
	}
	dead.mu.Lock()
	dead.failing = false
	dead.mu.Unlock()

	r.Broadcast("s", "second", "b")
	assertFrames(t, dead) // pruned: receives nothing even though healthy again
	assertFrames(t, alive,
		`{"event":"first","data":"a"}`,
		`{"event":"second","data":"b"}`,
	)
}

func TestBroadcastEvictsWhenAllConnectionsDie(t *testing.T) {
	r := newTestRegistry()
	dead := &fakeConn{id: "dead", failing: true}
	r.Register("s", dead)

	r.Broadcast("s", "x", nil)
	if r.Exists("s") {
		t.Error("session survived with an empty connection set")
	}
}

func TestUnregisterEvictsEmptySession(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("abc123"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	r.Register("abc123", c1)
	r.Register("abc123", c2)

	r.Broadcast("abc123", "x", map[string]any{"n": 1})
	want := `{"event":"x","data":{"n":1}}`
	assertFrames(t, c1, want)
	assertFrames(t, c2, want)

	r.Unregister("abc123", c1)
	r.Broadcast("abc123", "x", map[string]any{"n": 2})
	assertFrames(t, c1, want) // nothing new
	assertFrames(t, c2, want, `{"event":"x","data":{"n":2}}`)

	r.Unregister("abc123", c2)
	if r.Exists("abc123") {
		t.Error("session entry still present after last unregister")
	}
}

func TestUnregisterEvictionCancelsActiveTask(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{id: "c1"}
	r.Register("s", c)

	task := NewTask(context.Background())
	r.SetActiveTask("s", task)

	r.Unregister("s", c)
	if r.Exists("s") {
		t.Fatal("session entry still present after last unregister")
	}
	if !task.Cancelled() {
		t.Error("task survived session eviction")
	}
	if task.Context().Err() == nil {
		t.Error("task context not cancelled")
	}
	// The slot is gone with the session; a later cancel finds nothing.
	if got := r.CancelActiveTask("s"); got != nil {
		t.Error("CancelActiveTask returned a task for an evicted session")
	}
}

func TestPruneEvictionCancelsActiveTask(t *testing.T) {
	r := newTestRegistry()
	dead := &fakeConn{id: "dead", failing: true}
	r.Register("s", dead)

	task := NewTask(context.Background())
	r.SetActiveTask("s", task)

	r.Broadcast("s", "x", nil)
	if r.Exists("s") {
		t.Fatal("session survived with an empty connection set")
	}
	if !task.Cancelled() {
		t.Error("task survived prune-path eviction")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("s"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.SetMeta("s", "lang", "fr")
	if got := r.Meta("s", "lang"); got != "fr" {
		t.Errorf("Meta = %q, want fr", got)
	}
	if got := r.Meta("s", "missing"); got != "" {
		t.Errorf("Meta for missing key = %q, want empty", got)
	}
	// Unknown session: silent no-op.
	r.SetMeta("ghost", "lang", "fr")
	if got := r.Meta("ghost", "lang"); got != "" {
		t.Errorf("Meta on unknown session = %q, want empty", got)
	}
}

func TestConcurrentRegisterBroadcast(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%4)
			c := &fakeConn{id: fmt.Sprintf("c%d", i)}
			r.Register(id, c)
			r.Broadcast(id, "e", i)
			r.Unregister(id, c)
		}(i)
	}
	wg.Wait()
}
