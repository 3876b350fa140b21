package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is the logical value of a digital line.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Edge is the transition that fires a capture.
type Edge int

const (
	EdgeRising Edge = iota
	EdgeFalling
)

// ParseEdge accepts "rising" or "falling".
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rising", "":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	default:
		return 0, fmt.Errorf("trigger: unknown edge %q (must be rising or falling)", s)
	}
}

func (e Edge) String() string {
	if e == EdgeFalling {
		return "falling"
	}
	return "rising"
}

// TriggerLevel is the level the line holds after the edge.
func (e Edge) TriggerLevel() Level {
	if e == EdgeFalling {
		return Low
	}
	return High
}

// PreLevel is the level the line holds before the edge.
func (e Edge) PreLevel() Level {
	if e == EdgeFalling {
		return High
	}
	return Low
}

// Strategy selects the execution context of the poll loop.
type Strategy int

const (
	// StrategyThread polls on a goroutine locked to its own OS thread.
	StrategyThread Strategy = iota
	// StrategyProcess polls in a child trigger-agent process.
	StrategyProcess
)

// ParseStrategy accepts "thread" or "process".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thread", "":
		return StrategyThread, nil
	case "process":
		return StrategyProcess, nil
	default:
		return 0, fmt.Errorf("trigger: unknown strategy %q (must be thread or process)", s)
	}
}

func (s Strategy) String() string {
	if s == StrategyProcess {
		return "process"
	}
	return "thread"
}

// Config holds the trigger configuration of one workflow.
type Config struct {
	// Chip is the GPIO character device ("gpiochip0"); "fake" selects a FakeLine
	Chip string
	// Pin is the line offset on the chip
	Pin int
	// Edge is the transition that fires
	Edge Edge
	// DebounceTime is the hold after a fire; 0 re-arms as soon as the
	// pre-trigger level is seen
	DebounceTime time.Duration
	// PollingInterval is the spin-poll period (default: 1ms)
	PollingInterval time.Duration
	// Strategy selects thread or process execution
	Strategy Strategy
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.Pin < 0 {
		return fmt.Errorf("trigger: pin must be >= 0, got %d", c.Pin)
	}
	if c.DebounceTime < 0 {
		return fmt.Errorf("trigger: debounce time must be >= 0, got %s", c.DebounceTime)
	}
	if c.PollingInterval < 0 {
		return fmt.Errorf("trigger: polling interval must be > 0, got %s", c.PollingInterval)
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = time.Millisecond
	}
	if c.Chip == "" {
		c.Chip = "gpiochip0"
	}
	return nil
}

// State is the controller state.
type State int32

const (
	StateStarting State = iota
	StateArmed
	StateFiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// HealthStatus is the self-reported controller health.
type HealthStatus int

const (
	HealthStarting HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "starting"
	}
}

// MarshalText renders the status as its name.
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Error kinds reported with HealthUnhealthy.
const (
	ErrKindReadFailed    = "read_failed"
	ErrKindLineInvalid   = "line_invalid"
	ErrKindAgentFailed   = "agent_failed"
	ErrKindAgentExited   = "agent_exited"
	ErrKindAgentProtocol = "agent_protocol"
)

// Health is a snapshot of the controller health.
type Health struct {
	Status    HealthStatus `json:"status"`
	Updated   time.Time    `json:"updated"`
	ErrorKind string       `json:"error_kind,omitempty"`
}

// HealthReporter receives every health change of a controller.
type HealthReporter interface {
	ReportHealth(workflowID string, h Health)
}

// HealthReporterFunc adapts a function to HealthReporter.
type HealthReporterFunc func(workflowID string, h Health)

func (f HealthReporterFunc) ReportHealth(workflowID string, h Health) { f(workflowID, h) }

// Action is the capture action invoked on every fire.
type Action func(ctx context.Context) error
