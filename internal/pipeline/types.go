package pipeline

import "time"

// Well-known stage names a definition uses to opt into executor features.
const (
	// SourceStageName is the appsrc that receives externally pushed frames.
	SourceStageName = "programmable_source"
	// CaptureSinkName is the appsink whose last buffer becomes Result.Frame.
	CaptureSinkName = "capture_sink"
)

// Recognised tag keys emitted by the inference stage. Any other tag key on
// the bus is ignored.
const (
	TagAnomalous  = "is_anomalous"
	TagConfidence = "confidence"
)

// RawFrame is a single uncompressed image pushed into a pipeline.
type RawFrame struct {
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains interleaved RGB bytes (Width × Height × 3)
	Data []byte
	// Timestamp is when the frame was acquired
	Timestamp time.Time
	// Source identifies where the frame came from (folder path, fake camera)
	Source string
}

// Result is what one pipeline run produced.
//
// Tags holds the recognised tag values observed on the bus. It is never nil
// on success; an empty map is a valid result (capture-only pipelines).
type Result struct {
	Tags map[string]any
	// Frame is the encoded payload of the last buffer reaching the capture
	// sink, nil when the definition has no capture sink.
	Frame []byte
	// RunID correlates the run with the executor trace log.
	RunID string
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Anomalous returns the anomaly flag and whether the pipeline reported one.
func (r Result) Anomalous() (bool, bool) {
	v, ok := r.Tags[TagAnomalous].(bool)
	return v, ok
}

// Confidence returns the confidence score and whether the pipeline reported one.
func (r Result) Confidence() (float64, bool) {
	v, ok := r.Tags[TagConfidence].(float64)
	return v, ok
}
