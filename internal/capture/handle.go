package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskHandle identifies a submitted task. Its status is written only by the
// task itself and can be read at any time.
type TaskHandle struct {
	id        string
	params    TaskParams
	submitted time.Time

	status atomic.Int32
	shots  atomic.Int32

	// ctx exists from submission so a cancel issued before the task is
	// dispatched is not lost
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	done chan struct{}
}

func newHandle(parent context.Context, p TaskParams) *TaskHandle {
	ctx, cancel := context.WithCancel(parent)
	return &TaskHandle{
		id:        uuid.NewString(),
		params:    p,
		submitted: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the opaque handle ID.
func (h *TaskHandle) ID() string { return h.id }

// TaskID returns the caller's capture task ID.
func (h *TaskHandle) TaskID() string { return h.params.TaskID }

// WorkflowID returns the workflow the task captures for.
func (h *TaskHandle) WorkflowID() string { return h.params.WorkflowID }

// Status returns the current status.
func (h *TaskHandle) Status() Status { return Status(h.status.Load()) }

// Shots returns the number of persisted shots.
func (h *TaskHandle) Shots() int { return int(h.shots.Load()) }

// Done is closed when the task reaches a terminal status.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the failure cause of a Failed task.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel requests cooperative cancellation at the next shot boundary. A
// task cancelled before it starts finishes Cancelled without taking a shot.
// Cancelling a finished task has no effect.
func (h *TaskHandle) Cancel() {
	if h.Status().Terminal() {
		return
	}
	h.cancel()
}

// Summary returns a snapshot of the task.
func (h *TaskHandle) Summary() TaskSummary {
	s := TaskSummary{
		HandleID:   h.id,
		TaskID:     h.params.TaskID,
		WorkflowID: h.params.WorkflowID,
		Status:     h.Status(),
		Shots:      h.Shots(),
		Submitted:  h.submitted,
	}
	if err := h.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// finish moves the task to a terminal status exactly once.
func (h *TaskHandle) finish(s Status, err error) bool {
	if !h.status.CompareAndSwap(int32(StatusRunning), int32(s)) {
		return false
	}
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
	return true
}
