package pipeline

import "time"

// Engine is the media runtime the executor drives. gstengine.Engine is the
// production implementation; tests substitute a scripted fake.
type Engine interface {
	// Init configures and initializes the runtime. Called once per process,
	// from the executor's owning goroutine.
	Init(cfg ExecutorConfig) error
	// Parse builds a graph from a definition. Parse errors are syntax errors.
	Parse(definition string) (Graph, error)
}

// Graph is one parsed pipeline instance.
type Graph interface {
	// Source returns the programmable source stage with the given name.
	Source(name string) (FrameSource, error)
	// Play transitions the graph to the running state.
	Play() error
	// Next pops the next bus event, waiting up to timeout. ok is false when
	// no event arrived in time.
	Next(timeout time.Duration) (ev Event, ok bool)
	// Captured returns a copy of the last buffer seen by the capture sink.
	Captured() []byte
	// Stop transitions the graph to the null state and releases it. Safe to
	// call more than once.
	Stop() error
}

// FrameSource accepts an externally pushed frame.
type FrameSource interface {
	// Push sets caps, marks the source blocking, pushes the frame buffer and
	// then an end-of-stream marker.
	Push(caps string, frame *RawFrame) error
}

// EventKind classifies bus messages the executor reacts to.
type EventKind int

const (
	EventOther EventKind = iota
	EventError
	EventEOS
	EventTag
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventEOS:
		return "eos"
	case EventTag:
		return "tag"
	default:
		return "other"
	}
}

// Event is a bus message translated out of the media runtime.
type Event struct {
	Kind EventKind
	// Stage is the name of the element that posted the message
	Stage   string
	Message string
	Debug   string
	// Tags holds recognised tag values for EventTag
	Tags map[string]any
}
