package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/metrics"
)

// Config configures a Scheduler.
type Config struct {
	// MaxCount is the largest accepted shot count per task (default: 1000)
	MaxCount int
	// QueueSize is the submission buffer (default: 64)
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.MaxCount <= 0 {
		c.MaxCount = 1000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Scheduler runs capture requests as independent background tasks.
//
// Submit may be called from any goroutine; submissions go through one channel
// drained by a single dispatcher, which starts one goroutine per task. A
// failing task never affects the dispatcher or other tasks.
type Scheduler struct {
	cfg     Config
	capture CaptureFunc
	store   ResultStore

	// submitMu orders submissions before close: no send happens after quit
	// is closed, so the dispatcher can drain the queue completely.
	submitMu    sync.RWMutex
	closed      bool
	submissions chan *TaskHandle
	quit        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*TaskHandle

	tasksWG      sync.WaitGroup
	dispatchDone chan struct{}
}

// NewScheduler starts the dispatcher.
func NewScheduler(cfg Config, capture CaptureFunc, store ResultStore) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:          cfg,
		capture:      capture,
		store:        store,
		submissions:  make(chan *TaskHandle, cfg.QueueSize),
		quit:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		tasks:        make(map[string]*TaskHandle),
		dispatchDone: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Submit validates params and enqueues the task. The returned handle is
// registered immediately with status Running.
func (s *Scheduler) Submit(params TaskParams) (*TaskHandle, error) {
	if err := params.Validate(s.cfg.MaxCount); err != nil {
		return nil, err
	}

	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	h := newHandle(s.ctx, params)

	s.mu.Lock()
	s.tasks[h.id] = h
	s.mu.Unlock()

	s.submissions <- h

	slog.Info("capture: task submitted",
		"handle_id", h.id,
		"capture_task_id", params.TaskID,
		"workflow_id", params.WorkflowID,
		"count", params.Count,
		"interval", params.Interval,
	)
	return h, nil
}

// Get returns the handle with the given ID.
func (s *Scheduler) Get(handleID string) (*TaskHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.tasks[handleID]
	return h, ok
}

// List returns a snapshot of every known task, oldest first.
func (s *Scheduler) List() []TaskSummary {
	s.mu.RLock()
	out := make([]TaskSummary, 0, len(s.tasks))
	for _, h := range s.tasks {
		out = append(out, h.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	return out
}

// Shutdown stops accepting submissions, cancels every in-flight task and
// waits for them to finish or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.submitMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.submitMu.Unlock()
	s.cancel()

	<-s.dispatchDone

	done := make(chan struct{})
	go func() {
		s.tasksWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("capture: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture: shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.quit:
			s.drainQueued()
			return
		case h := <-s.submissions:
			s.start(h)
		}
	}
}

// drainQueued cancels submissions accepted but never started.
func (s *Scheduler) drainQueued() {
	for {
		select {
		case h := <-s.submissions:
			h.cancel()
			if h.finish(StatusCancelled, nil) {
				metrics.IncCaptureTask(StatusCancelled.String())
			}
		default:
			return
		}
	}
}

func (s *Scheduler) start(h *TaskHandle) {
	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		defer h.cancel()
		s.run(h.ctx, h)
	}()
}

func (s *Scheduler) run(ctx context.Context, h *TaskHandle) {
	p := h.params
	log := slog.With("handle_id", h.id, "capture_task_id", p.TaskID, "workflow_id", p.WorkflowID)

	status, err := s.shoot(ctx, h, log)
	if h.finish(status, err) {
		metrics.IncCaptureTask(status.String())
	}

	switch status {
	case StatusFailed:
		log.Error("capture: task failed", "shots", h.Shots(), "error", err)
	case StatusCancelled:
		log.Info("capture: task cancelled", "shots", h.Shots())
	default:
		log.Info("capture: task completed", "shots", h.Shots())
	}
}

// shoot runs the shot loop and returns the terminal status.
func (s *Scheduler) shoot(ctx context.Context, h *TaskHandle, log *slog.Logger) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = StatusFailed, fmt.Errorf("capture: task panicked: %v", r)
		}
	}()

	p := h.params

	for i := 0; i < p.Count; i++ {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}

		key := p.NewKey()
		res, err := s.capture(ctx, p)
		if err != nil {
			metrics.IncCaptureShot("error")
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return StatusCancelled, nil
			}
			return StatusFailed, fmt.Errorf("capture: shot %d: %w", i+1, err)
		}

		rec := Record{
			Key:        key,
			TaskID:     p.TaskID,
			WorkflowID: p.WorkflowID,
			OutputPath: p.OutputPath,
			Shot:       i + 1,
			CapturedAt: time.Now(),
			Result:     res,
		}
		if err := s.store.Store(ctx, rec); err != nil {
			metrics.IncCaptureShot("error")
			return StatusFailed, fmt.Errorf("capture: store shot %d: %w", i+1, err)
		}
		h.shots.Add(1)
		metrics.IncCaptureShot("success")
		log.Debug("capture: shot stored", "key", key, "shot", i+1)

		if i == p.Count-1 {
			break
		}
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StatusCancelled, nil
		case <-timer.C:
		}
	}
	return StatusCompleted, nil
}

var lastSuffix atomic.Int64

// nextSuffix returns a millisecond timestamp strictly greater than every
// suffix handed out before in this process.
func nextSuffix() string {
	for {
		prev := lastSuffix.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if lastSuffix.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}
