// Package orchestrator wires workflows to the shadow document, trigger
// controllers, the capture scheduler and the pipeline executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/capture"
	"github.com/e7canasta/orion-defect-station/internal/config"
	"github.com/e7canasta/orion-defect-station/internal/pipeline"
	"github.com/e7canasta/orion-defect-station/internal/retry"
	"github.com/e7canasta/orion-defect-station/internal/shadow"
	"github.com/e7canasta/orion-defect-station/internal/source"
	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

var (
	ErrUnknownWorkflow = errors.New("orchestrator: unknown workflow")
	ErrClosed          = errors.New("orchestrator: closed")
)

// triggerTaskID names the keys of captures fired by a trigger.
const triggerTaskID = "trigger"

// Runner executes a pipeline definition; *pipeline.Executor implements it.
type Runner interface {
	Run(ctx context.Context, definition string, frame *pipeline.RawFrame) (pipeline.Result, error)
}

// HealthSink receives trigger health and forgets stopped workflows.
type HealthSink interface {
	trigger.HealthReporter
	Remove(workflowID string)
}

// LineOpener opens the digital line of a thread-strategy trigger.
type LineOpener func(cfg trigger.Config, consumer string) (trigger.DigitalLine, error)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Shadow   *shadow.Owner
	Executor Runner
	Results  capture.ResultStore
	// Health is optional
	Health HealthSink
	// OpenLine defaults to trigger.OpenLine
	OpenLine LineOpener
	// Agent starts process-strategy triggers; required only when a workflow
	// uses that strategy
	Agent     *trigger.AgentCommand
	Sources   source.Options
	Scheduler capture.Config
	// Retry bounds shadow provisioning at workflow start
	Retry retry.Config
}

// Orchestrator runs workflows. All methods are safe for concurrent use;
// workflow starts and stops are serialized.
type Orchestrator struct {
	deps      Deps
	scheduler *capture.Scheduler

	// controllers outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc

	opMu   sync.Mutex
	closed bool

	mu        sync.RWMutex
	workflows map[string]*workflow
}

type workflow struct {
	cfg        config.Workflow
	controller *trigger.Controller
}

// New returns an orchestrator with a running capture scheduler.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Shadow == nil {
		return nil, fmt.Errorf("orchestrator: shadow owner is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	if deps.Results == nil {
		return nil, fmt.Errorf("orchestrator: result store is required")
	}
	if deps.OpenLine == nil {
		deps.OpenLine = trigger.OpenLine
	}
	if deps.Retry.MaxRetries == 0 && deps.Retry.RetryDelay == 0 {
		deps.Retry = retry.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]*workflow),
	}
	o.scheduler = capture.NewScheduler(deps.Scheduler, o.captureOnce, deps.Results)
	return o, nil
}

// StartWorkflow publishes the workflow's definition to the desired
// partition, starts its trigger (if any) and reports it as applied.
func (o *Orchestrator) StartWorkflow(ctx context.Context, wf config.Workflow) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.start(ctx, wf, true)
}

// StopWorkflow stops the workflow's trigger and removes its stream from the
// desired partition.
func (o *Orchestrator) StopWorkflow(ctx context.Context, workflowID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stop(ctx, workflowID, true)
}

// Apply converges the running workflows on wfs: removed workflows are
// stopped, changed ones restarted and new ones started.
func (o *Orchestrator) Apply(ctx context.Context, wfs []config.Workflow) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	wanted := make(map[string]config.Workflow, len(wfs))
	for _, wf := range wfs {
		wanted[wf.ID] = wf
	}

	var errs []error
	for _, id := range o.ids() {
		wf, keep := wanted[id]
		cur, _ := o.lookup(id)
		switch {
		case !keep:
			errs = append(errs, o.stop(ctx, id, true))
		case !reflect.DeepEqual(cur, wf):
			slog.Info("orchestrator: workflow changed, restarting", "workflow_id", id)
			if err := o.stop(ctx, id, false); err != nil {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, o.start(ctx, wf, true))
		}
	}
	for _, wf := range wfs {
		if _, running := o.lookup(wf.ID); !running {
			errs = append(errs, o.start(ctx, wf, true))
		}
	}
	return errors.Join(errs...)
}

// Capture submits a scheduled capture task for workflowID. Empty output path
// and image source overrides fall back to the workflow's.
func (o *Orchestrator) Capture(workflowID string, params capture.TaskParams) (*capture.TaskHandle, error) {
	wf, ok := o.lookup(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	params.WorkflowID = workflowID
	if params.OutputPath == "" {
		params.OutputPath = wf.OutputPath
	}
	if params.ImageSource == "" {
		params.ImageSource = wf.ImageSource
	}
	if err := source.Validate(params.ImageSource); err != nil {
		return nil, fmt.Errorf("orchestrator: workflow %s: %w", workflowID, err)
	}
	return o.scheduler.Submit(params)
}

// Task returns a scheduled capture task by handle ID.
func (o *Orchestrator) Task(handleID string) (*capture.TaskHandle, bool) {
	return o.scheduler.Get(handleID)
}

// Tasks lists every scheduled capture task.
func (o *Orchestrator) Tasks() []capture.TaskSummary {
	return o.scheduler.List()
}

// Workflows returns the IDs of the running workflows.
func (o *Orchestrator) Workflows() []string { return o.ids() }

// Controller returns the trigger controller of a running workflow.
func (o *Orchestrator) Controller(workflowID string) (*trigger.Controller, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workflows[workflowID]
	if !ok || w.controller == nil {
		return nil, false
	}
	return w.controller, true
}

// Shutdown stops every trigger and capture task. Definitions stay in the
// desired partition: the device going down does not change what it should
// run.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	for _, id := range o.ids() {
		_ = o.stop(ctx, id, false)
	}
	o.cancel()
	return o.scheduler.Shutdown(ctx)
}

func (o *Orchestrator) start(ctx context.Context, wf config.Workflow, publish bool) error {
	if o.closed {
		return ErrClosed
	}
	if _, running := o.lookup(wf.ID); running {
		return fmt.Errorf("orchestrator: workflow %s already running", wf.ID)
	}
	ws := []config.Workflow{wf}
	if err := config.ValidateWorkflows(ws); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	wf = ws[0]

	if publish {
		if err := o.publishDesired(ctx, wf); err != nil {
			return fmt.Errorf("orchestrator: workflow %s: %w", wf.ID, err)
		}
	}

	w := &workflow{cfg: wf}
	tc, hasTrigger, err := wf.TriggerConfig()
	if err != nil {
		return fmt.Errorf("orchestrator: workflow %s: %w", wf.ID, err)
	}
	if hasTrigger {
		c, err := o.newController(wf.ID, tc)
		if err != nil {
			return fmt.Errorf("orchestrator: workflow %s: %w", wf.ID, err)
		}
		w.controller = c
	}

	// registered before the trigger starts so a fire can resolve it
	o.mu.Lock()
	o.workflows[wf.ID] = w
	o.mu.Unlock()

	if w.controller != nil {
		if err := w.controller.Start(o.ctx); err != nil {
			o.mu.Lock()
			delete(o.workflows, wf.ID)
			o.mu.Unlock()
			w.controller.Stop()
			return fmt.Errorf("orchestrator: workflow %s: %w", wf.ID, err)
		}
	}

	slog.Info("orchestrator: workflow started",
		"workflow_id", wf.ID,
		"stream_id", wf.StreamID,
		"image_source", wf.ImageSource,
		"trigger", hasTrigger,
	)
	o.report(ctx)
	return nil
}

func (o *Orchestrator) stop(ctx context.Context, workflowID string, unpublish bool) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	delete(o.workflows, workflowID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	if w.controller != nil {
		w.controller.Stop()
	}
	if o.deps.Health != nil {
		o.deps.Health.Remove(workflowID)
	}
	slog.Info("orchestrator: workflow stopped", "workflow_id", workflowID, "stream_id", w.cfg.StreamID)

	if !unpublish {
		return nil
	}
	if err := o.deps.Shadow.Delete(ctx, w.cfg.StreamID); err != nil {
		return fmt.Errorf("orchestrator: workflow %s: %w", workflowID, err)
	}
	o.report(ctx)
	return nil
}

// publishDesired makes sure the document exists and holds wf's definition.
// Only timeouts are retried.
func (o *Orchestrator) publishDesired(ctx context.Context, wf config.Workflow) error {
	owner := o.deps.Shadow
	if err := retry.Do(ctx, "shadow ensure", o.deps.Retry, func(ctx context.Context) error {
		return retryable(owner.EnsureExists(ctx))
	}); err != nil {
		return err
	}
	return retry.Do(ctx, "shadow upsert", o.deps.Retry, func(ctx context.Context) error {
		return retryable(owner.Upsert(ctx, wf.StreamID, wf.Definition))
	})
}

func retryable(err error) error {
	if err == nil || errors.Is(err, shadow.ErrTimeout) {
		return err
	}
	return &retry.Permanent{Err: err}
}

// report writes the definitions this device runs to the reported partition.
// A failure is logged; the next start, stop or sync reports again.
func (o *Orchestrator) report(ctx context.Context) {
	o.mu.RLock()
	set := make(shadow.PipelineSet, 0, len(o.workflows))
	for _, w := range o.workflows {
		set = append(set, shadow.StreamPipeline{StreamID: w.cfg.StreamID, Definition: w.cfg.Definition})
	}
	o.mu.RUnlock()
	sort.Slice(set, func(i, j int) bool { return set[i].StreamID < set[j].StreamID })

	if err := o.deps.Shadow.Report(ctx, set); err != nil {
		slog.Warn("orchestrator: failed to report applied pipelines", "error", err)
	}
}

func (o *Orchestrator) newController(id string, tc trigger.Config) (*trigger.Controller, error) {
	action := o.triggerAction(id)
	var reporter trigger.HealthReporter
	if o.deps.Health != nil {
		reporter = o.deps.Health
	}

	if tc.Strategy == trigger.StrategyProcess {
		if o.deps.Agent == nil {
			return nil, fmt.Errorf("process trigger strategy needs an agent command")
		}
		return trigger.NewProcessController(id, tc, *o.deps.Agent, action, reporter)
	}

	line, err := o.deps.OpenLine(tc, "defectd-"+id)
	if err != nil {
		return nil, err
	}
	c, err := trigger.NewController(id, tc, line, action, reporter)
	if err != nil {
		_ = line.Close()
		return nil, err
	}
	return c, nil
}

// triggerAction captures one shot and stores it in the workflow's output
// directory.
func (o *Orchestrator) triggerAction(workflowID string) trigger.Action {
	return func(ctx context.Context) error {
		wf, ok := o.lookup(workflowID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
		}
		params := capture.TaskParams{
			TaskID:      triggerTaskID,
			WorkflowID:  workflowID,
			OutputPath:  wf.OutputPath,
			ImageSource: wf.ImageSource,
		}
		res, err := o.captureOnce(ctx, params)
		if err != nil {
			return err
		}
		return o.deps.Results.Store(ctx, capture.Record{
			Key:        params.NewKey(),
			TaskID:     triggerTaskID,
			WorkflowID: workflowID,
			OutputPath: params.OutputPath,
			Shot:       1,
			CapturedAt: time.Now(),
			Result:     res,
		})
	}
}

// captureOnce resolves the image source of p (the workflow's when p has
// none) and runs the workflow's pipeline.
func (o *Orchestrator) captureOnce(ctx context.Context, p capture.TaskParams) (pipeline.Result, error) {
	workflowID := p.WorkflowID
	wf, ok := o.lookup(workflowID)
	if !ok {
		return pipeline.Result{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	imageSource := p.ImageSource
	if imageSource == "" {
		imageSource = wf.ImageSource
	}

	src, err := source.Open(imageSource, o.deps.Sources)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer src.Close()

	frame, err := src.Frame(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}

	res, err := o.deps.Executor.Run(ctx, wf.Definition, frame)
	if err != nil {
		return pipeline.Result{}, err
	}
	if anomalous, ok := res.Anomalous(); ok && anomalous {
		confidence, _ := res.Confidence()
		slog.Warn("orchestrator: defect detected",
			"workflow_id", workflowID,
			"stream_id", wf.StreamID,
			"confidence", confidence,
			"run_id", res.RunID,
		)
	}
	return res, nil
}

func (o *Orchestrator) lookup(workflowID string) (config.Workflow, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workflows[workflowID]
	if !ok {
		return config.Workflow{}, false
	}
	return w.cfg, true
}

func (o *Orchestrator) ids() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.workflows))
	for id := range o.workflows {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
