// Package stream drives the long-lived game-master event streams. Each
// session has at most one stream in flight; starting a new one cancels and
// tears down the old one first, and a cancelled stream is muted so stale
// events never interleave with a fresh stream.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bmadlife/backend/internal/gm"
	"github.com/bmadlife/backend/internal/session"
)

// Upstream is the slice of the game-master client the controller needs.
type Upstream interface {
	StreamPropose(ctx context.Context, lang string, onEvent gm.OnEvent) error
	StreamChoose(ctx context.Context, kind, lang string, onEvent gm.OnEvent) error
}

// Controller starts and supersedes streaming tasks. The registry owns the
// session-to-task mapping; the controller is the only component that
// creates tasks.
type Controller struct {
	registry *session.Registry
	upstream Upstream
	logger   *slog.Logger

	mu     sync.Mutex
	starts map[string]*sync.Mutex
}

func NewController(registry *session.Registry, upstream Upstream, logger *slog.Logger) *Controller {
	return &Controller{
		registry: registry,
		upstream: upstream,
		logger:   logger,
		starts:   make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing stream starts for one session.
// Entries are a few words each and keyed by session id, so they live for
// the process lifetime.
func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.starts[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.starts[sessionID] = lock
	}
	return lock
}

// StartPropose begins streaming proposal events for the session,
// superseding any running task. It returns once streaming has started;
// results arrive only on the session's sockets.
func (c *Controller) StartPropose(sessionID, lang string) {
	c.start(sessionID, "propose", func(ctx context.Context, onEvent gm.OnEvent) error {
		return c.upstream.StreamPropose(ctx, lang, onEvent)
	})
}

// StartChoose begins streaming choose events for one candidate kind,
// superseding any running task.
func (c *Controller) StartChoose(sessionID, kind, lang string) {
	c.start(sessionID, "choose", func(ctx context.Context, onEvent gm.OnEvent) error {
		return c.upstream.StreamChoose(ctx, kind, lang, onEvent)
	})
}

func (c *Controller) start(sessionID, name string, run func(context.Context, gm.OnEvent) error) {
	// The cancel-prior, await-teardown, store sequence must not interleave
	// for one session: two racing starts could both pass the cancel and
	// leave an untracked stream running. Serialize per session.
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Supersession: signal the prior task and wait for its teardown before
	// storing the replacement. Teardown is prompt because cancellation
	// aborts the in-flight upstream request through the task context.
	if prior := c.registry.CancelActiveTask(sessionID); prior != nil {
		<-prior.Done()
	}

	task := session.NewTask(context.Background())
	c.registry.SetActiveTask(sessionID, task)

	go c.run(task, sessionID, name, run)
}

func (c *Controller) run(task *session.Task, sessionID, name string, run func(context.Context, gm.OnEvent) error) {
	defer task.Finish()

	onEvent := func(event map[string]any) {
		// A cancelled task is strictly muted, even mid-sweep.
		if task.Cancelled() {
			return
		}
		eventType, _ := event["type"].(string)
		if eventType == "" {
			eventType = "unknown"
		}
		c.registry.Broadcast(sessionID, "gm."+eventType, event)
	}

	err := run(task.Context(), onEvent)
	switch {
	case task.Cancelled():
		// Swallow: a superseded stream exits clean and stays silent.
		c.logger.Info("stream cancelled", "stream", name, "session_id", sessionID)
	case err != nil:
		c.logger.Error("stream failed", "stream", name, "session_id", sessionID, "error", err)
		c.registry.Broadcast(sessionID, "gm.error", map[string]any{
			"error": name + " stream failed",
		})
		task.Fail()
	default:
		task.Complete()
	}
}
