package session

import (
	"context"
	"sync/atomic"
)

// TaskState tracks a streaming task through its lifecycle.
type TaskState int32

const (
	TaskRunning TaskState = iota
	TaskCancelled
	TaskCompleted
	TaskFailed
)

// Task is the handle to one in-flight streaming operation. The registry
// owns the session-to-task mapping so a new task can pre-empt an old one it
// has no direct reference to; the task itself only carries the cancellation
// context and its state word.
//
// A cancelled task is strictly muted: the goroutine driving it must check
// Cancelled before every emit, so a final event racing with cancellation is
// never delivered.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}
}

// NewTask creates a running task whose context is cancelled when the task
// is. The driving goroutine must call Complete, Fail, or acknowledge
// cancellation via Finish when it exits.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the task is; pass it to every blocking call the
// task makes so cancellation aborts in-flight I/O.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Cancel transitions a running task to cancelled and aborts its context.
// Returns false if the task already finished (then there is nothing to
// tear down).
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(int32(TaskRunning), int32(TaskCancelled)) {
		return false
	}
	t.cancel()
	return true
}

// Complete marks a normal end of stream. Loses to a concurrent Cancel.
func (t *Task) Complete() {
	t.state.CompareAndSwap(int32(TaskRunning), int32(TaskCompleted))
}

// Fail marks an upstream failure. Loses to a concurrent Cancel.
func (t *Task) Fail() {
	t.state.CompareAndSwap(int32(TaskRunning), int32(TaskFailed))
}

// Cancelled reports whether cancellation was requested. Emit paths must
// consult this immediately before broadcasting.
func (t *Task) Cancelled() bool {
	return TaskState(t.state.Load()) == TaskCancelled
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Finish releases the context and signals Done. Called exactly once by the
// driving goroutine when it exits, whatever the exit reason.
func (t *Task) Finish() {
	t.cancel()
	close(t.done)
}

// Done is closed once the driving goroutine has fully torn down.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
