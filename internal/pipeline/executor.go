package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/e7canasta/orion-defect-station/internal/metrics"
)

// ErrExecutorClosed is returned by Run after Close.
var ErrExecutorClosed = errors.New("pipeline: executor closed")

// ExecutorConfig carries the media runtime configuration. Debug level and
// plugin path are process-wide in the runtime, so they are fixed for the
// lifetime of an Executor instead of being toggled per call.
type ExecutorConfig struct {
	// DebugLevel is the runtime debug threshold (GST_DEBUG syntax, e.g. "2,appsrc:5")
	DebugLevel string
	// DebugFile redirects runtime debug output (GST_DEBUG_FILE)
	DebugFile string
	// PluginPath is prepended to the runtime plugin search path
	PluginPath string
	// TraceLogPath is the rotating per-run trace log; empty disables it
	TraceLogPath string
	// TraceLogMaxSizeMB is the size at which the trace log rotates (default: 10)
	TraceLogMaxSizeMB int
	// TraceLogMaxBackups is the number of rotated trace logs kept (default: 3)
	TraceLogMaxBackups int
	// RunTimeout bounds a single run's event loop (default: 30s)
	RunTimeout time.Duration
	// PollInterval is the bus pop timeout per loop iteration (default: 50ms)
	PollInterval time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.TraceLogMaxSizeMB <= 0 {
		c.TraceLogMaxSizeMB = 10
	}
	if c.TraceLogMaxBackups <= 0 {
		c.TraceLogMaxBackups = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Executor runs declarative media pipelines to completion.
//
// The media runtime's tracing and plugin configuration is process-wide, so
// the Executor owns it as a single-owner actor: every Run is handed to one
// goroutine and runs are strictly serialized. Run blocks the caller until
// the graph reaches a terminal bus event; it is not cancellable mid-run.
type Executor struct {
	engine Engine
	cfg    ExecutorConfig

	trace       *slog.Logger
	traceCloser io.Closer

	requests  chan runRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type runRequest struct {
	definition string
	frame      *RawFrame
	reply      chan runReply
}

type runReply struct {
	result Result
	err    error
}

// NewExecutor initializes the media runtime and starts the executor's
// owning goroutine.
//
// Fails fast if the runtime cannot be initialized.
func NewExecutor(cfg ExecutorConfig, engine Engine) (*Executor, error) {
	if engine == nil {
		return nil, fmt.Errorf("pipeline: engine is required")
	}
	cfg = cfg.withDefaults()

	if err := engine.Init(cfg); err != nil {
		return nil, fmt.Errorf("pipeline: media runtime not available: %w", err)
	}

	e := &Executor{
		engine:   engine,
		cfg:      cfg,
		requests: make(chan runRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.TraceLogPath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.TraceLogPath,
			MaxSize:    cfg.TraceLogMaxSizeMB,
			MaxBackups: cfg.TraceLogMaxBackups,
		}
		e.trace = slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug}))
		e.traceCloser = rotator
	} else {
		e.trace = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	go e.loop()

	slog.Info("pipeline: executor started",
		"run_timeout", cfg.RunTimeout,
		"trace_log", cfg.TraceLogPath,
		"debug_level", cfg.DebugLevel,
	)

	return e, nil
}

// Run executes one instance of definition to completion.
//
// When frame is non-nil it is pushed through the definition's programmable
// source stage. The graph is always back in the null state when Run returns.
// Returns *SyntaxError or *ExecutionError on failure; ctx only bounds the
// wait for the executor to accept the run.
func (e *Executor) Run(ctx context.Context, definition string, frame *RawFrame) (Result, error) {
	req := runRequest{
		definition: definition,
		frame:      frame,
		reply:      make(chan runReply, 1),
	}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.quit:
		return Result{}, ErrExecutorClosed
	}

	reply := <-req.reply
	return reply.result, reply.err
}

// Close stops the owning goroutine after any in-flight run finishes.
// Idempotent.
func (e *Executor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.done
		if e.traceCloser != nil {
			err = e.traceCloser.Close()
		}
		slog.Info("pipeline: executor closed")
	})
	return err
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case req := <-e.requests:
			res, err := e.execute(req.definition, req.frame)
			req.reply <- runReply{result: res, err: err}
		}
	}
}

func (e *Executor) execute(definition string, frame *RawFrame) (res Result, err error) {
	runID := uuid.NewString()
	started := time.Now()
	trace := e.trace.With("run_id", runID)

	defer func() {
		res.RunID = runID
		res.Duration = time.Since(started)
		metrics.ObservePipelineRun(resultLabel(err), res.Duration)
		if err != nil {
			trace.Error("run failed", "error", err, "duration", res.Duration)
		} else {
			trace.Info("run complete", "tags", res.Tags, "frame_bytes", len(res.Frame), "duration", res.Duration)
		}
	}()

	if strings.TrimSpace(definition) == "" {
		return Result{}, &SyntaxError{Definition: definition, Err: errors.New("empty definition")}
	}

	trace.Info("run starting", "definition", definition, "with_frame", frame != nil)

	graph, err := e.engine.Parse(definition)
	if err != nil {
		return Result{}, &SyntaxError{Definition: definition, Err: err}
	}

	// Every exit path leaves the graph in the null state.
	defer func() {
		if stopErr := graph.Stop(); stopErr != nil {
			slog.Error("pipeline: failed to set graph to null", "run_id", runID, "error", stopErr)
		}
	}()

	if frame != nil {
		src, err := graph.Source(SourceStageName)
		if err != nil {
			return Result{}, &ExecutionError{
				Stage:    SourceStageName,
				Message:  "programmable source stage not found",
				Category: ErrCategoryUnknown,
				Err:      err,
			}
		}
		caps := FrameCaps(definition, frame.Width, frame.Height)
		trace.Debug("pushing frame", "caps", caps, "bytes", len(frame.Data))
		if err := src.Push(caps, frame); err != nil {
			return Result{}, &ExecutionError{
				Stage:    SourceStageName,
				Message:  err.Error(),
				Category: ClassifyError(err.Error(), ""),
				Err:      err,
			}
		}
	}

	if err := graph.Play(); err != nil {
		return Result{}, &ExecutionError{
			Stage:    "pipeline",
			Message:  "failed to reach playing state",
			Category: ClassifyError(err.Error(), ""),
			Err:      err,
		}
	}

	tags := make(map[string]any)
	deadline := started.Add(e.cfg.RunTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, &ExecutionError{
				Stage:    "pipeline",
				Message:  fmt.Sprintf("no end-of-stream within %s", e.cfg.RunTimeout),
				Category: ErrCategoryTimeout,
			}
		}

		ev, ok := graph.Next(min(remaining, e.cfg.PollInterval))
		if !ok {
			continue
		}

		switch ev.Kind {
		case EventError:
			trace.Error("bus error", "stage", ev.Stage, "message", ev.Message, "debug", ev.Debug)
			return Result{}, &ExecutionError{
				Stage:    ev.Stage,
				Message:  ev.Message,
				Debug:    ev.Debug,
				Category: ClassifyError(ev.Message, ev.Debug),
			}

		case EventEOS:
			trace.Debug("end of stream")
			return Result{Tags: tags, Frame: graph.Captured()}, nil

		case EventTag:
			mergeTags(tags, ev.Tags)
			trace.Debug("tag event", "stage", ev.Stage, "tags", ev.Tags)
		}
	}
}

// mergeTags copies recognised keys into dst, normalising numeric types.
func mergeTags(dst, src map[string]any) {
	for k, v := range src {
		switch k {
		case TagAnomalous:
			if b, ok := v.(bool); ok {
				dst[k] = b
			}
		case TagConfidence:
			switch n := v.(type) {
			case float64:
				dst[k] = n
			case float32:
				dst[k] = float64(n)
			}
		}
	}
}

func resultLabel(err error) string {
	var syntaxErr *SyntaxError
	var execErr *ExecutionError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &syntaxErr):
		return "syntax_error"
	case errors.As(err, &execErr):
		return "execution_error"
	default:
		return "error"
	}
}
