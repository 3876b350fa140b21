package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/pipeline"
)

// ErrSchedulerClosed is returned by Submit after Shutdown.
var ErrSchedulerClosed = errors.New("capture: scheduler closed")

// Status is the lifecycle state of a capture task.
type Status int32

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "running"
	}
}

// MarshalText renders the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the task has finished.
func (s Status) Terminal() bool { return s != StatusRunning }

// TaskParams describes one scheduled capture request.
type TaskParams struct {
	// TaskID is the caller's capture task ID; it names the output keys
	TaskID string
	// WorkflowID selects the pipeline and output directory
	WorkflowID string
	// Prefix is prepended to the keys ("{prefix}-{task_id}-{suffix}")
	Prefix string
	// OutputPath overrides the workflow's output directory
	OutputPath string
	// ImageSource overrides the workflow's image source descriptor
	ImageSource string
	// Interval is the pause between shots
	Interval time.Duration
	// Count is the number of shots
	Count int
}

// Validate checks params against the scheduler's shot limit.
func (p TaskParams) Validate(maxCount int) error {
	if strings.TrimSpace(p.TaskID) == "" {
		return fmt.Errorf("capture: task id is required")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("capture: interval must be > 0, got %s", p.Interval)
	}
	if p.Count <= 0 || p.Count > maxCount {
		return fmt.Errorf("capture: count must be in 1..%d, got %d", maxCount, p.Count)
	}
	return nil
}

// KeyBase is the key prefix shared by every shot of the task.
func (p TaskParams) KeyBase() string {
	if p.Prefix == "" {
		return p.TaskID
	}
	return p.Prefix + "-" + p.TaskID
}

// NewKey returns a fresh shot key, "{KeyBase}-{suffix}". Suffixes strictly
// increase across every key issued by the process.
func (p TaskParams) NewKey() string {
	return p.KeyBase() + "-" + nextSuffix()
}

// Record is one persisted shot.
type Record struct {
	Key        string
	TaskID     string
	WorkflowID string
	// OutputPath is the directory, relative to the store root, the frame is
	// written to; empty means the workflow ID
	OutputPath string
	Shot       int
	CapturedAt time.Time
	Result     pipeline.Result
}

// CaptureFunc takes one shot for a workflow.
type CaptureFunc func(ctx context.Context, params TaskParams) (pipeline.Result, error)

// ResultStore persists shots.
type ResultStore interface {
	Store(ctx context.Context, rec Record) error
}

// TaskSummary is a point-in-time view of a task.
type TaskSummary struct {
	HandleID   string    `json:"handle_id"`
	TaskID     string    `json:"capture_task_id"`
	WorkflowID string    `json:"workflow_id"`
	Status     Status    `json:"status"`
	Shots      int       `json:"shots"`
	Submitted  time.Time `json:"submitted"`
	Error      string    `json:"error,omitempty"`
}
