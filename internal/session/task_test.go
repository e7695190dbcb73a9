package session

import (
	"context"
	"testing"
	"time"
)

func TestTaskCancelTransitions(t *testing.T) {
	task := NewTask(context.Background())
	if task.State() != TaskRunning {
		t.Fatalf("new task state = %v, want running", task.State())
	}

	if !task.Cancel() {
		t.Fatal("Cancel on a running task returned false")
	}
	if !task.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
	select {
	case <-task.Context().Done():
	default:
		t.Error("context not cancelled after Cancel")
	}

	// Completion after cancellation must not overwrite the state.
	task.Complete()
	if task.State() != TaskCancelled {
		t.Errorf("state = %v after late Complete, want cancelled", task.State())
	}
}

func TestTaskCancelAfterFinishIsNoop(t *testing.T) {
	task := NewTask(context.Background())
	task.Complete()
	if task.Cancel() {
		t.Error("Cancel on a completed task returned true")
	}
	if task.State() != TaskCompleted {
		t.Errorf("state = %v, want completed", task.State())
	}
}

func TestTaskDoneSignalsTeardown(t *testing.T) {
	task := NewTask(context.Background())
	go func() {
		<-task.Context().Done()
		task.Finish()
	}()

	task.Cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Finish")
	}
}

func TestRegistryCancelActiveTask(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("s"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// No task yet: no-op.
	if got := r.CancelActiveTask("s"); got != nil {
		t.Fatal("CancelActiveTask with no task returned a handle")
	}

	task := NewTask(context.Background())
	r.SetActiveTask("s", task)
	got := r.CancelActiveTask("s")
	if got != task {
		t.Fatal("CancelActiveTask did not return the stored task")
	}
	if !task.Cancelled() {
		t.Error("stored task not cancelled")
	}

	// Slot is cleared; a second cancel is a no-op.
	if got := r.CancelActiveTask("s"); got != nil {
		t.Error("second CancelActiveTask returned a handle")
	}
}

func TestRegistryCancelFinishedTask(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("s"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	task := NewTask(context.Background())
	r.SetActiveTask("s", task)
	task.Complete()

	// Already finished: nothing to tear down.
	if got := r.CancelActiveTask("s"); got != nil {
		t.Error("CancelActiveTask returned a handle for a finished task")
	}
}
