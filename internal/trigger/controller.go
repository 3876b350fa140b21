package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/metrics"
)

// Controller watches one digital line for one workflow and turns edges into
// capture actions.
//
// States: Starting → Armed → Firing → Armed … → Stopped. The controller is
// Armed only after it has observed the pre-trigger level, so a line already
// at the trigger level at startup (or still held after a fire) never fires.
type Controller struct {
	id       string
	cfg      Config
	action   Action
	reporter HealthReporter

	// exactly one of line / agent is set
	line  DigitalLine
	agent *AgentCommand

	state  atomic.Int32
	health atomic.Pointer[Health]
	fires  atomic.Uint64

	// onState observes state changes (used by the trigger agent).
	onState func(State)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewController returns a controller polling line in-process
// (StrategyThread). The controller owns line and closes it on stop.
func NewController(id string, cfg Config, line DigitalLine, action Action, reporter HealthReporter) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fmt.Errorf("trigger: line is required")
	}
	cfg.Strategy = StrategyThread
	return newController(id, cfg, action, reporter, line, nil), nil
}

// NewProcessController returns a controller whose poll loop runs in a child
// trigger-agent process (StrategyProcess). The child owns the line.
func NewProcessController(id string, cfg Config, agent AgentCommand, action Action, reporter HealthReporter) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if agent.Path == "" {
		return nil, fmt.Errorf("trigger: agent path is required")
	}
	cfg.Strategy = StrategyProcess
	return newController(id, cfg, action, reporter, nil, &agent), nil
}

func newController(id string, cfg Config, action Action, reporter HealthReporter, line DigitalLine, agent *AgentCommand) *Controller {
	if action == nil {
		action = func(context.Context) error { return nil }
	}
	c := &Controller{
		id:       id,
		cfg:      cfg,
		action:   action,
		reporter: reporter,
		line:     line,
		agent:    agent,
		done:     make(chan struct{}),
	}
	c.health.Store(&Health{Status: HealthStarting, Updated: time.Now()})
	return c
}

// ID returns the workflow ID the controller serves.
func (c *Controller) ID() string { return c.id }

// Start launches the poll loop. ctx is passed to every capture action.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("trigger: controller %s already started", c.id)
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)

	slog.Info("trigger: controller starting",
		"workflow_id", c.id,
		"chip", c.cfg.Chip,
		"pin", c.cfg.Pin,
		"edge", c.cfg.Edge,
		"debounce", c.cfg.DebounceTime,
		"polling_interval", c.cfg.PollingInterval,
		"strategy", c.cfg.Strategy,
	)

	go func() {
		defer close(c.done)
		if c.agent != nil {
			c.runProcess(ctx)
			return
		}
		c.runThread(ctx)
	}()
	return nil
}

// Stop signals the loop and waits until the line is released and the
// controller reports Stopped. Idempotent; safe before Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.started = true
		close(c.done)
		c.mu.Unlock()
		if c.line != nil {
			_ = c.line.Close()
		}
		c.setState(StateStopped)
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-c.done
}

// Done is closed once the controller is Stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Health returns the latest health snapshot without blocking the loop.
func (c *Controller) Health() Health { return *c.health.Load() }

// Fires returns the number of fires so far.
func (c *Controller) Fires() uint64 { return c.fires.Load() }

func (c *Controller) runThread(ctx context.Context) {
	// Keep the spin-poll on one OS thread so scheduling of other goroutines
	// does not migrate it mid-interval.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.poll(ctx)
}

func (c *Controller) poll(ctx context.Context) {
	defer func() {
		if err := c.line.Close(); err != nil {
			slog.Warn("trigger: failed to close line", "workflow_id", c.id, "error", err)
		}
		c.setState(StateStopped)
		slog.Info("trigger: controller stopped", "workflow_id", c.id, "fires", c.Fires())
	}()

	pre, trig := c.cfg.Edge.PreLevel(), c.cfg.Edge.TriggerLevel()
	armed := false

	level, err := c.line.Read()
	if fatal := c.observeRead(err); fatal {
		return
	}
	if err == nil {
		if level == pre {
			armed = true
			c.setState(StateArmed)
		} else {
			slog.Warn("trigger: line at trigger level on startup, waiting for pre-trigger level",
				"workflow_id", c.id,
				"level", level,
			)
		}
	}

	ticker := time.NewTicker(c.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		level, err := c.line.Read()
		if fatal := c.observeRead(err); fatal {
			return
		}
		if err != nil {
			continue
		}

		if !armed {
			if level == pre {
				armed = true
				c.setState(StateArmed)
			}
			continue
		}
		if level != trig {
			continue
		}

		armed = false
		c.setState(StateFiring)
		c.fire(ctx)

		if c.cfg.DebounceTime > 0 {
			hold := time.NewTimer(c.cfg.DebounceTime)
			select {
			case <-ctx.Done():
				hold.Stop()
				return
			case <-hold.C:
			}
		}
	}
}

// observeRead updates health from a read result and reports whether the
// loop must stop.
func (c *Controller) observeRead(err error) (fatal bool) {
	switch {
	case err == nil:
		c.setHealth(HealthHealthy, "")
		return false
	case errors.Is(err, ErrLineInvalid):
		slog.Error("trigger: line handle invalid, stopping controller", "workflow_id", c.id, "error", err)
		c.setHealth(HealthUnhealthy, ErrKindLineInvalid)
		return true
	default:
		if c.Health().ErrorKind != ErrKindReadFailed {
			slog.Warn("trigger: line read failed", "workflow_id", c.id, "error", err)
		}
		c.setHealth(HealthUnhealthy, ErrKindReadFailed)
		return false
	}
}

// fire runs the capture action. A failing or panicking action is logged and
// never stops the controller.
func (c *Controller) fire(ctx context.Context) {
	n := c.fires.Add(1)
	metrics.IncTriggerFire(c.id)
	slog.Info("trigger: fired", "workflow_id", c.id, "fire", n)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("trigger: capture action panicked", "workflow_id", c.id, "panic", r)
		}
	}()
	if err := c.action(ctx); err != nil {
		slog.Error("trigger: capture action failed", "workflow_id", c.id, "error", err)
	}
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	slog.Debug("trigger: state changed", "workflow_id", c.id, "from", prev, "to", s)
	if c.onState != nil {
		c.onState(s)
	}
}

// setHealth publishes a new snapshot when status or error kind change.
func (c *Controller) setHealth(status HealthStatus, kind string) {
	c.publishHealth(Health{Status: status, Updated: time.Now(), ErrorKind: kind})
}

func (c *Controller) publishHealth(h Health) {
	cur := c.health.Load()
	if cur.Status == h.Status && cur.ErrorKind == h.ErrorKind {
		return
	}
	c.health.Store(&h)
	metrics.SetTriggerHealthy(c.id, h.Status == HealthHealthy)
	if c.reporter != nil {
		c.reporter.ReportHealth(c.id, h)
	}
}
