package shadow

// Partition names a section of the shadow document.
type Partition string

const (
	// Desired holds the pipelines the cloud wants running.
	Desired Partition = "desired"
	// Reported holds the pipelines the device has applied.
	Reported Partition = "reported"
)

// StreamPipeline is the pipeline definition for one camera stream.
type StreamPipeline struct {
	StreamID   string `json:"stream_id"`
	Definition string `json:"definition"`
}

// PipelineSet is a set of stream pipelines keyed by StreamID. Order carries
// no meaning; at most one entry exists per stream.
type PipelineSet []StreamPipeline

// Find returns the entry for streamID.
func (s PipelineSet) Find(streamID string) (StreamPipeline, bool) {
	for _, p := range s {
		if p.StreamID == streamID {
			return p, true
		}
	}
	return StreamPipeline{}, false
}

// With returns a copy of the set where the entry for p.StreamID is replaced,
// or p appended when the stream is new.
func (s PipelineSet) With(p StreamPipeline) PipelineSet {
	out := make(PipelineSet, 0, len(s)+1)
	replaced := false
	for _, existing := range s {
		if existing.StreamID == p.StreamID {
			if !replaced {
				out = append(out, p)
				replaced = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

// Without returns a copy of the set without streamID, and whether it was
// present.
func (s PipelineSet) Without(streamID string) (PipelineSet, bool) {
	out := make(PipelineSet, 0, len(s))
	found := false
	for _, existing := range s {
		if existing.StreamID == streamID {
			found = true
			continue
		}
		out = append(out, existing)
	}
	return out, found
}

// Equal reports whether both sets hold the same definitions, ignoring order.
func (s PipelineSet) Equal(other PipelineSet) bool {
	if len(s) != len(other) {
		return false
	}
	for _, p := range s {
		q, ok := other.Find(p.StreamID)
		if !ok || q.Definition != p.Definition {
			return false
		}
	}
	return true
}

// Diff returns the entries of s that other lacks or defines differently.
func (s PipelineSet) Diff(other PipelineSet) PipelineSet {
	var out PipelineSet
	for _, p := range s {
		if q, ok := other.Find(p.StreamID); !ok || q.Definition != p.Definition {
			out = append(out, p)
		}
	}
	return out
}

// State is the partitioned body of a shadow document.
type State struct {
	Desired  PipelineSet `json:"desired,omitempty"`
	Reported PipelineSet `json:"reported,omitempty"`
	// Delta is computed by the shadow service: desired entries the device
	// has not reported yet.
	Delta PipelineSet `json:"delta,omitempty"`
}

// Document is a remote shadow document.
type Document struct {
	State   State `json:"state"`
	Version int64 `json:"version,omitempty"`
}
