// Package gstengine implements pipeline.Engine with GStreamer (gst-launch
// syntax). It needs the GStreamer runtime and cgo.
package gstengine

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-defect-station/internal/pipeline"
)

var (
	gstInitOnce sync.Once
	// gstInitErr is the outcome of the single initialization, returned to
	// every Init caller
	gstInitErr error
)

// Engine runs definitions with GStreamer.
type Engine struct{}

// New returns the GStreamer engine.
func New() *Engine {
	return &Engine{}
}

// Init exports the runtime configuration and initializes GStreamer once per
// process. The debug and plugin environment is read by GStreamer at init
// time, which is why it cannot change per run.
func (g *Engine) Init(cfg pipeline.ExecutorConfig) error {
	gstInitOnce.Do(func() {
		if cfg.DebugLevel != "" {
			os.Setenv("GST_DEBUG", cfg.DebugLevel)
			os.Setenv("GST_DEBUG_NO_COLOR", "1")
		}
		if cfg.DebugFile != "" {
			os.Setenv("GST_DEBUG_FILE", cfg.DebugFile)
		}
		if cfg.PluginPath != "" {
			path := cfg.PluginPath
			if existing := os.Getenv("GST_PLUGIN_PATH"); existing != "" {
				path = path + string(os.PathListSeparator) + existing
			}
			os.Setenv("GST_PLUGIN_PATH", path)
		}

		gst.Init(nil)

		// Try to create a simple element to verify GStreamer is working
		elem, err := gst.NewElement("fakesrc")
		if err != nil {
			gstInitErr = fmt.Errorf("GStreamer not available or not properly installed: %w", err)
			return
		}
		elem.SetState(gst.StateNull)

		slog.Debug("pipeline: gstreamer initialized",
			"gst_debug", os.Getenv("GST_DEBUG"),
			"gst_plugin_path", os.Getenv("GST_PLUGIN_PATH"),
		)
	})
	return gstInitErr
}

// Parse builds a pipeline from a gst-launch description.
func (g *Engine) Parse(definition string) (pipeline.Graph, error) {
	p, err := gst.NewPipelineFromString(definition)
	if err != nil {
		return nil, err
	}
	graph := &gstGraph{pipeline: p}
	graph.attachCaptureSink()
	return graph, nil
}

type gstGraph struct {
	pipeline *gst.Pipeline

	mu       sync.Mutex
	captured []byte
	stopped  bool
}

// attachCaptureSink copies every buffer reaching the capture sink so the
// last one is available after end-of-stream.
func (g *gstGraph) attachCaptureSink() {
	elem, err := g.pipeline.GetElementByName(pipeline.CaptureSinkName)
	if err != nil || elem == nil {
		return
	}
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				slog.Warn("pipeline: failed to pull sample from capture sink, skipping")
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}

			mapInfo := buffer.Map(gst.MapRead)
			data := mapInfo.Bytes()
			// Copy frame data (GStreamer will reuse buffer)
			frameData := make([]byte, len(data))
			copy(frameData, data)
			buffer.Unmap()

			g.mu.Lock()
			g.captured = frameData
			g.mu.Unlock()
			return gst.FlowOK
		},
	})
}

func (g *gstGraph) Source(name string) (pipeline.FrameSource, error) {
	elem, err := g.pipeline.GetElementByName(name)
	if err != nil {
		return nil, err
	}
	if elem == nil {
		return nil, fmt.Errorf("element %q not found", name)
	}
	return &gstSource{src: app.SrcFromElement(elem)}, nil
}

func (g *gstGraph) Play() error {
	return g.pipeline.SetState(gst.StatePlaying)
}

func (g *gstGraph) Next(timeout time.Duration) (pipeline.Event, bool) {
	msg := g.pipeline.GetPipelineBus().TimedPop(timeout)
	if msg == nil {
		return pipeline.Event{}, false
	}

	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		return pipeline.Event{
			Kind:    pipeline.EventError,
			Stage:   msg.Source(),
			Message: gerr.Error(),
			Debug:   gerr.DebugString(),
		}, true

	case gst.MessageEOS:
		return pipeline.Event{Kind: pipeline.EventEOS, Stage: msg.Source()}, true

	case gst.MessageTag:
		return pipeline.Event{Kind: pipeline.EventTag, Stage: msg.Source(), Tags: recognisedTags(msg.ParseTags())}, true

	default:
		return pipeline.Event{Kind: pipeline.EventOther, Stage: msg.Source()}, true
	}
}

func (g *gstGraph) Captured() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captured
}

func (g *gstGraph) Stop() error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.mu.Unlock()

	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// recognisedTags extracts the closed set of inference tags from a tag list.
func recognisedTags(list *gst.TagList) map[string]any {
	tags := make(map[string]any)
	if list == nil {
		return tags
	}
	if v, ok := list.GetBoolean(gst.Tag(pipeline.TagAnomalous)); ok {
		tags[pipeline.TagAnomalous] = v
	}
	if v, ok := list.GetDouble(gst.Tag(pipeline.TagConfidence)); ok {
		tags[pipeline.TagConfidence] = v
	}
	return tags
}

type gstSource struct {
	src *app.Source
}

func (s *gstSource) Push(caps string, frame *pipeline.RawFrame) error {
	s.src.SetCaps(gst.NewCapsFromString(caps))
	if err := s.src.SetProperty("block", true); err != nil {
		return fmt.Errorf("set block on %s: %w", pipeline.SourceStageName, err)
	}
	if err := s.src.SetProperty("format", gst.FormatTime); err != nil {
		slog.Debug("pipeline: appsrc format not set", "error", err)
	}

	if ret := s.src.PushBuffer(gst.NewBufferFromBytes(frame.Data)); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: flow %s", strings.ToLower(ret.String()))
	}
	if ret := s.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("end stream: flow %s", strings.ToLower(ret.String()))
	}
	return nil
}
