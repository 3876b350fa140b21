package trigger

import (
	"errors"
	"sync"
)

// ErrLineInvalid reports a line handle that can no longer be used. A
// controller that sees it stops.
var ErrLineInvalid = errors.New("trigger: line handle invalid")

// DigitalLine is one digital I/O line.
type DigitalLine interface {
	Read() (Level, error)
	Write(Level) error
	Close() error
}

// FakeLine is a software line for tests and bench runs without hardware.
type FakeLine struct {
	mu      sync.Mutex
	level   Level
	readErr error
	closed  bool
	reads   int
	writes  []Level
}

// NewFakeLine returns a line at the given level.
func NewFakeLine(initial Level) *FakeLine {
	return &FakeLine{level: initial}
}

func (f *FakeLine) Read() (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.closed {
		return 0, ErrLineInvalid
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.level, nil
}

func (f *FakeLine) Write(l Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrLineInvalid
	}
	f.level = l
	f.writes = append(f.writes, l)
	return nil
}

func (f *FakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Set drives the line to l, as external hardware would.
func (f *FakeLine) Set(l Level) {
	f.mu.Lock()
	f.level = l
	f.mu.Unlock()
}

// FailReads makes every Read return err until called with nil.
func (f *FakeLine) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// Closed reports whether Close was called.
func (f *FakeLine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reads returns the number of Read calls.
func (f *FakeLine) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns the levels written, oldest first.
func (f *FakeLine) Writes() []Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Level(nil), f.writes...)
}
