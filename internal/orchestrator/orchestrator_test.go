package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-defect-station/internal/capture"
	"github.com/e7canasta/orion-defect-station/internal/config"
	"github.com/e7canasta/orion-defect-station/internal/pipeline"
	"github.com/e7canasta/orion-defect-station/internal/retry"
	"github.com/e7canasta/orion-defect-station/internal/shadow"
	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

const testDocument = "pipelines"

type runCall struct {
	definition string
	frame      *pipeline.RawFrame
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	tags  map[string]any
	err   error
}

func (r *fakeRunner) Run(_ context.Context, definition string, frame *pipeline.RawFrame) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{definition: definition, frame: frame})
	if r.err != nil {
		return pipeline.Result{}, r.err
	}
	tags := map[string]any{}
	for k, v := range r.tags {
		tags[k] = v
	}
	return pipeline.Result{Tags: tags, RunID: "run"}, nil
}

func (r *fakeRunner) Calls() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

type memoryResults struct {
	mu      sync.Mutex
	records []capture.Record
}

func (m *memoryResults) Store(_ context.Context, rec capture.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryResults) Records() []capture.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capture.Record(nil), m.records...)
}

type healthSink struct {
	mu      sync.Mutex
	removed []string
	reports atomic.Int32
}

func (h *healthSink) ReportHealth(string, trigger.Health) { h.reports.Add(1) }

func (h *healthSink) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, id)
}

// flakyService fails the first n Gets with ErrTimeout.
type flakyService struct {
	*shadow.MemoryService
	failures atomic.Int32
}

func (f *flakyService) Get(ctx context.Context, doc string) (shadow.Document, error) {
	if f.failures.Add(-1) >= 0 {
		return shadow.Document{}, shadow.ErrTimeout
	}
	return f.MemoryService.Get(ctx, doc)
}

type harness struct {
	orch    *Orchestrator
	backend *shadow.MemoryService
	runner  *fakeRunner
	results *memoryResults
	health  *healthSink

	mu    sync.Mutex
	lines map[string]*trigger.FakeLine
}

func newHarness(t *testing.T, svc shadow.Service, backend *shadow.MemoryService) *harness {
	t.Helper()
	h := &harness{
		backend: backend,
		runner:  &fakeRunner{},
		results: &memoryResults{},
		health:  &healthSink{},
		lines:   make(map[string]*trigger.FakeLine),
	}

	owner := shadow.NewOwner(shadow.NewStore(svc, time.Second), testDocument)
	orch, err := New(Deps{
		Shadow:   owner,
		Executor: h.runner,
		Results:  h.results,
		Health:   h.health,
		OpenLine: func(cfg trigger.Config, consumer string) (trigger.DigitalLine, error) {
			line := trigger.NewFakeLine(cfg.Edge.PreLevel())
			h.mu.Lock()
			h.lines[consumer] = line
			h.mu.Unlock()
			return line, nil
		},
		Retry: retry.Config{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	h.orch = orch

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
		owner.Close()
	})
	return h
}

func newMemoryHarness(t *testing.T) *harness {
	backend := shadow.NewMemoryService()
	return newHarness(t, backend, backend)
}

func (h *harness) line(workflowID string) *trigger.FakeLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lines["defectd-"+workflowID]
}

func (h *harness) document(t *testing.T) shadow.Document {
	t.Helper()
	doc, err := h.backend.Get(context.Background(), testDocument)
	require.NoError(t, err)
	return doc
}

func testWorkflow(id, stream string) config.Workflow {
	return config.Workflow{
		ID:          id,
		StreamID:    stream,
		Definition:  "appsrc name=programmable_source ! inference ! fakesink",
		ImageSource: "fake:4x4",
		OutputPath:  "plant-a",
	}
}

func withTrigger(wf config.Workflow) config.Workflow {
	wf.Trigger = &config.TriggerConfig{Chip: "gpiochip0", Pin: 4, Edge: "rising", PollingFrequencyS: 0.001}
	return wf
}

func TestStartWorkflow_PublishesDesiredAndReported(t *testing.T) {
	h := newMemoryHarness(t)

	require.NoError(t, h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0")))

	doc := h.document(t)
	want := shadow.PipelineSet{{StreamID: "cam0", Definition: testWorkflow("caps", "cam0").Definition}}
	assert.True(t, want.Equal(doc.State.Desired))
	assert.True(t, want.Equal(doc.State.Reported))
	assert.Empty(t, doc.State.Delta)
	assert.Equal(t, []string{"caps"}, h.orch.Workflows())

	err := h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0"))
	assert.ErrorContains(t, err, "already running")
}

func TestStartWorkflow_TriggerFireStoresCapture(t *testing.T) {
	h := newMemoryHarness(t)
	h.runner.tags = map[string]any{pipeline.TagAnomalous: true, pipeline.TagConfidence: 0.9}

	require.NoError(t, h.orch.StartWorkflow(context.Background(), withTrigger(testWorkflow("caps", "cam0"))))
	c, ok := h.orch.Controller("caps")
	require.True(t, ok)
	require.Eventually(t, func() bool { return c.State() == trigger.StateArmed }, 2*time.Second, 5*time.Millisecond)

	h.line("caps").Set(trigger.High)

	require.Eventually(t, func() bool { return len(h.results.Records()) == 1 }, 2*time.Second, 5*time.Millisecond)
	rec := h.results.Records()[0]
	assert.True(t, strings.HasPrefix(rec.Key, "trigger-"), rec.Key)
	assert.Equal(t, "caps", rec.WorkflowID)
	assert.Equal(t, "plant-a", rec.OutputPath)
	anomalous, _ := rec.Result.Anomalous()
	assert.True(t, anomalous)

	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].frame, "fake image source pushes a frame")
	assert.Equal(t, 4, calls[0].frame.Width)
}

func TestStopWorkflow_RemovesStreamAndReleasesLine(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.StartWorkflow(ctx, withTrigger(testWorkflow("caps", "cam0"))))
	require.NoError(t, h.orch.StartWorkflow(ctx, testWorkflow("labels", "cam1")))

	require.NoError(t, h.orch.StopWorkflow(ctx, "caps"))

	assert.True(t, h.line("caps").Closed())
	doc := h.document(t)
	_, found := doc.State.Desired.Find("cam0")
	assert.False(t, found)
	_, found = doc.State.Reported.Find("cam0")
	assert.False(t, found)
	_, found = doc.State.Desired.Find("cam1")
	assert.True(t, found)
	assert.Equal(t, []string{"caps"}, h.health.removed)

	err := h.orch.StopWorkflow(ctx, "caps")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestCapture_ScheduledTask(t *testing.T) {
	h := newMemoryHarness(t)
	require.NoError(t, h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0")))

	handle, err := h.orch.Capture("caps", capture.TaskParams{TaskID: "t1", Interval: 10 * time.Millisecond, Count: 2})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("task did not finish")
	}
	assert.Equal(t, capture.StatusCompleted, handle.Status())

	recs := h.results.Records()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		suffix, found := strings.CutPrefix(rec.Key, "t1-")
		require.True(t, found, rec.Key)
		_, err := strconv.ParseInt(suffix, 10, 64)
		assert.NoError(t, err, rec.Key)
		assert.Equal(t, "plant-a", rec.OutputPath)
	}
	assert.Len(t, h.orch.Tasks(), 1)
	got, ok := h.orch.Task(handle.ID())
	require.True(t, ok)
	assert.Same(t, handle, got)
}

func TestCapture_RequestOverrides(t *testing.T) {
	h := newMemoryHarness(t)
	require.NoError(t, h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0")))

	handle, err := h.orch.Capture("caps", capture.TaskParams{
		TaskID:      "t1",
		Prefix:      "lot42",
		OutputPath:  "audit/lot42",
		ImageSource: "fake:8x6",
		Interval:    time.Millisecond,
		Count:       1,
	})
	require.NoError(t, err)
	<-handle.Done()
	require.Equal(t, capture.StatusCompleted, handle.Status())

	recs := h.results.Records()
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].Key, "lot42-t1-"), recs[0].Key)
	assert.Equal(t, "audit/lot42", recs[0].OutputPath)

	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].frame)
	assert.Equal(t, 8, calls[0].frame.Width)
	assert.Equal(t, 6, calls[0].frame.Height)

	_, err = h.orch.Capture("caps", capture.TaskParams{TaskID: "t2", ImageSource: "webcam", Interval: time.Millisecond, Count: 1})
	assert.Error(t, err)
}

func TestCapture_UnknownWorkflow(t *testing.T) {
	h := newMemoryHarness(t)
	_, err := h.orch.Capture("nope", capture.TaskParams{TaskID: "t1", Interval: time.Second, Count: 1})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestCapture_PipelineFailureFailsTask(t *testing.T) {
	h := newMemoryHarness(t)
	h.runner.err = &pipeline.ExecutionError{Stage: "inference0", Message: "model failed"}
	require.NoError(t, h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0")))

	handle, err := h.orch.Capture("caps", capture.TaskParams{TaskID: "t1", Interval: time.Millisecond, Count: 3})
	require.NoError(t, err)
	<-handle.Done()

	assert.Equal(t, capture.StatusFailed, handle.Status())
	var execErr *pipeline.ExecutionError
	assert.ErrorAs(t, handle.Err(), &execErr)
	assert.Empty(t, h.results.Records())
}

func TestApply_ConvergesOnNewWorkflows(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartWorkflow(ctx, testWorkflow("a", "cam0")))
	require.NoError(t, h.orch.StartWorkflow(ctx, testWorkflow("b", "cam1")))

	changed := testWorkflow("a", "cam0")
	changed.Definition = "v4l2src ! jpegenc ! appsink name=capture_sink"
	require.NoError(t, h.orch.Apply(ctx, []config.Workflow{changed, testWorkflow("c", "cam2")}))

	assert.Equal(t, []string{"a", "c"}, h.orch.Workflows())
	doc := h.document(t)
	want := shadow.PipelineSet{
		{StreamID: "cam0", Definition: changed.Definition},
		{StreamID: "cam2", Definition: testWorkflow("c", "cam2").Definition},
	}
	assert.True(t, want.Equal(doc.State.Desired), "desired: %+v", doc.State.Desired)
	assert.True(t, want.Equal(doc.State.Reported), "reported: %+v", doc.State.Reported)
}

func TestReconcile_AppliesRemoteDefinition(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartWorkflow(ctx, testWorkflow("caps", "cam0")))

	remote := "appsrc name=programmable_source ! inference model=v2 ! fakesink"
	require.NoError(t, h.backend.Update(ctx, testDocument, shadow.Desired,
		shadow.PipelineSet{{StreamID: "cam0", Definition: remote}}))
	require.NotEmpty(t, h.document(t).State.Delta)

	require.NoError(t, h.orch.Reconcile(ctx))

	doc := h.document(t)
	assert.Empty(t, doc.State.Delta)
	p, ok := doc.State.Reported.Find("cam0")
	require.True(t, ok)
	assert.Equal(t, remote, p.Definition)

	_, err := h.orch.Capture("caps", capture.TaskParams{TaskID: "t1", Interval: time.Millisecond, Count: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.runner.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, remote, h.runner.Calls()[0].definition)
}

func TestStartWorkflow_ShadowTimeoutRetried(t *testing.T) {
	backend := shadow.NewMemoryService()
	svc := &flakyService{MemoryService: backend}
	svc.failures.Store(2)
	h := newHarness(t, svc, backend)

	require.NoError(t, h.orch.StartWorkflow(context.Background(), testWorkflow("caps", "cam0")))
	_, found := h.document(t).State.Desired.Find("cam0")
	assert.True(t, found)
}

func TestStartWorkflow_UnauthorizedNotRetried(t *testing.T) {
	h := newMemoryHarness(t)
	h.backend.FailWith(shadow.ErrUnauthorized, nil)

	err := h.orch.StartWorkflow(context.Background(), withTrigger(testWorkflow("caps", "cam0")))
	require.ErrorIs(t, err, shadow.ErrUnauthorized)
	assert.Empty(t, h.orch.Workflows())
	assert.Nil(t, h.line("caps"), "no trigger is started for an unpublished workflow")
}

func TestStartWorkflow_ProcessStrategyNeedsAgent(t *testing.T) {
	h := newMemoryHarness(t)
	wf := withTrigger(testWorkflow("caps", "cam0"))
	wf.Trigger.Strategy = "process"

	err := h.orch.StartWorkflow(context.Background(), wf)
	assert.ErrorContains(t, err, "agent command")
	assert.Empty(t, h.orch.Workflows())
}

func TestShutdown_KeepsDesiredAndRejectsStarts(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartWorkflow(ctx, withTrigger(testWorkflow("caps", "cam0"))))

	require.NoError(t, h.orch.Shutdown(ctx))

	assert.True(t, h.line("caps").Closed())
	_, found := h.document(t).State.Desired.Find("cam0")
	assert.True(t, found)
	assert.ErrorIs(t, h.orch.StartWorkflow(ctx, testWorkflow("b", "cam1")), ErrClosed)
	assert.True(t, errors.Is(h.orch.Reconcile(ctx), ErrClosed))
}
