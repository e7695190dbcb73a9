package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var (
	// ErrInvalidSessionID is returned when a session id does not match the
	// allowed pattern. Nothing is created.
	ErrInvalidSessionID = errors.New("invalid session id format")
	// ErrSessionExists is returned by Create for a duplicate id.
	ErrSessionExists = errors.New("session already exists")
)

// Conn is one client connection as the registry sees it: something it can
// hand serialized envelopes to. The registry never closes a Conn; it only
// drops references to connections whose Send failed.
type Conn interface {
	// Send enqueues one serialized envelope. It must not block; a
	// connection that cannot accept the frame returns an error and is
	// pruned from its session.
	Send(data []byte) error
	// ID identifies the connection in logs.
	ID() string
}

// Envelope is the wire unit delivered to clients.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type state struct {
	conns map[Conn]bool
	task  *Task
	meta  map[string]string
}

// Registry owns the mapping from session id to live connections and to the
// single in-flight streaming task per session. It is the only component
// allowed to mutate that state; everything goes through its mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*state
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*state),
		logger:   logger,
	}
}

// Create registers a new, empty session. Unlike Register it is strict:
// a malformed id or a duplicate fails loudly so callers can reject
// duplicate game starts.
func (r *Registry) Create(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.sessions[id] = newState()
	r.logger.Info("session created", "session_id", id)
	return nil
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Register adds conn to the session, creating the session if absent. A
// client may open its socket before the REST create call lands, so this
// path is get-or-create on purpose.
func (r *Registry) Register(id string, conn Conn) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		st = newState()
		r.sessions[id] = st
	}
	st.conns[conn] = true
	n := len(st.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered", "session_id", id, "conn_id", conn.ID(), "conns", n)
}

// Unregister removes conn from the session and evicts the session entry
// once its connection set is empty. Eviction cancels any active task:
// a stream with no session entry has no slot left to supersede it through,
// and its events must not reach a later re-registration. Unknown session
// or connection is a no-op.
func (r *Registry) Unregister(id string, conn Conn) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	var task *Task
	if ok {
		delete(st.conns, conn)
		if len(st.conns) == 0 {
			delete(r.sessions, id)
			task = st.task
			st.task = nil
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection unregistered", "session_id", id, "conn_id", conn.ID())
	}
	r.cancelEvicted(id, task)
}

// Broadcast serializes one envelope and delivers it to every connection
// currently in the session. A missing session or an empty set is a normal
// race (a task can finish after the last viewer left), not an error.
// Connections whose send fails are removed after the sweep.
func (r *Registry) Broadcast(id, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		r.logger.Error("envelope marshal failed", "session_id", id, "event", event, "error", err)
		return
	}

	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok || len(st.conns) == 0 {
		r.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(st.conns))
	for c := range st.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var dead []Conn
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			dead = append(dead, c)
			r.logger.Warn("send failed, pruning connection", "session_id", id, "conn_id", c.ID(), "error", err)
		}
	}

	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	var task *Task
	if st, ok := r.sessions[id]; ok {
		for _, c := range dead {
			delete(st.conns, c)
		}
		if len(st.conns) == 0 {
			delete(r.sessions, id)
			task = st.task
			st.task = nil
		}
	}
	r.mu.Unlock()
	r.cancelEvicted(id, task)
}

// cancelEvicted tears down the task orphaned by a session eviction.
func (r *Registry) cancelEvicted(id string, task *Task) {
	if task != nil && task.Cancel() {
		r.logger.Info("active task cancelled with evicted session", "session_id", id)
	}
}

// SetMeta records a metadata entry on an existing session. No-op when the
// session is unknown.
func (r *Registry) SetMeta(id, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.meta[key] = value
	}
}

// Meta returns a metadata entry, or "" when the session or key is absent.
func (r *Registry) Meta(id, key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return st.meta[key]
	}
	return ""
}

// SetActiveTask stores task as the session's single in-flight streaming
// operation. The caller must have cancelled and awaited the prior task
// first (see stream.Controller). No-op when the session is unknown.
func (r *Registry) SetActiveTask(id string, task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.task = task
	}
}

// CancelActiveTask signals cancellation to the session's running task and
// clears the slot. It does not wait for the task to land; the returned
// handle lets the caller await teardown. Returns nil when there is no task
// or it already finished.
func (r *Registry) CancelActiveTask(id string) *Task {
	r.mu.Lock()
	st, ok := r.sessions[id]
	var task *Task
	if ok && st.task != nil {
		task = st.task
		st.task = nil
	}
	r.mu.Unlock()

	if task == nil || !task.Cancel() {
		return nil
	}
	r.logger.Info("active task cancelled", "session_id", id)
	return task
}

// ConnCount reports the number of live connections for a session.
func (r *Registry) ConnCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return len(st.conns)
	}
	return 0
}

// Count reports the number of known sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func newState() *state {
	return &state{
		conns: make(map[Conn]bool),
		meta:  make(map[string]string),
	}
}
