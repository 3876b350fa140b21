package trigger

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// AgentSubcommand is the CLI subcommand that runs a trigger agent.
const AgentSubcommand = "trigger-agent"

// maxFrameSize bounds one agent frame; events are a few dozen bytes.
const maxFrameSize = 64 * 1024

// AgentCommand describes how to start the child process of a
// StrategyProcess controller.
type AgentCommand struct {
	// Path is the executable, usually os.Executable()
	Path string
	// Args are passed before the agent flags (e.g. the subcommand name)
	Args []string
	// Env is appended to the parent environment
	Env []string
}

// AgentArgs renders cfg as trigger-agent flags.
func AgentArgs(workflowID string, cfg Config) []string {
	return []string{
		"--workflow", workflowID,
		"--chip", cfg.Chip,
		"--pin", strconv.Itoa(cfg.Pin),
		"--edge", cfg.Edge.String(),
		"--debounce", cfg.DebounceTime.String(),
		"--poll", cfg.PollingInterval.String(),
	}
}

// Agent event kinds.
const (
	eventState  = "state"
	eventHealth = "health"
	eventFire   = "fire"
)

// agentEvent is one message from the agent to its parent, msgpack encoded
// and length-prefixed (4 bytes big-endian).
type agentEvent struct {
	Kind      string `msgpack:"kind"`
	Timestamp int64  `msgpack:"ts"`
	State     int32  `msgpack:"state,omitempty"`
	Health    int    `msgpack:"health,omitempty"`
	ErrorKind string `msgpack:"error_kind,omitempty"`
}

func writeEvent(w io.Writer, ev agentEvent) error {
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack event: %w", err)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write event frame: %w", err)
	}
	return nil
}

func readEvent(r io.Reader) (agentEvent, error) {
	var ev agentEvent

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return ev, err
	}
	n := binary.BigEndian.Uint32(lengthBuf)
	if n > maxFrameSize {
		return ev, fmt.Errorf("event frame too large: %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return ev, fmt.Errorf("failed to read event frame: %w", err)
	}
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal msgpack event: %w", err)
	}
	return ev, nil
}

// eventWriter serializes event frames onto the agent's stdout.
type eventWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *eventWriter) send(ev agentEvent) {
	ev.Timestamp = time.Now().UnixNano()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := writeEvent(e.w, ev); err != nil {
		slog.Error("trigger-agent: failed to emit event", "kind", ev.Kind, "error", err)
	}
}

// RunAgent runs the poll loop in this process and streams state, health and
// fire events to w until ctx is cancelled or the line becomes invalid. It
// owns line. This is the child side of StrategyProcess.
func RunAgent(ctx context.Context, workflowID string, cfg Config, line DigitalLine, w io.Writer) error {
	out := &eventWriter{w: w}

	reporter := HealthReporterFunc(func(_ string, h Health) {
		out.send(agentEvent{Kind: eventHealth, Health: int(h.Status), ErrorKind: h.ErrorKind})
	})
	action := func(context.Context) error {
		out.send(agentEvent{Kind: eventFire})
		return nil
	}

	c, err := NewController(workflowID, cfg, line, action, reporter)
	if err != nil {
		_ = line.Close()
		return err
	}
	c.onState = func(s State) {
		out.send(agentEvent{Kind: eventState, State: int32(s)})
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		c.Stop()
	case <-c.Done():
	}

	if h := c.Health(); h.ErrorKind == ErrKindLineInvalid {
		return ErrLineInvalid
	}
	return nil
}

// runProcess starts the agent and mirrors its events. Fires are executed
// here, in the parent, one at a time in arrival order.
func (c *Controller) runProcess(ctx context.Context) {
	defer func() {
		c.setState(StateStopped)
		slog.Info("trigger: controller stopped", "workflow_id", c.id, "fires", c.Fires())
	}()

	args := append(append([]string{}, c.agent.Args...), AgentArgs(c.id, c.cfg)...)
	cmd := exec.CommandContext(ctx, c.agent.Path, args...)
	cmd.Env = append(os.Environ(), c.agent.Env...)
	cmd.Stderr = os.Stderr
	// Ask the agent to release its line first; kill after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 3 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Error("trigger: failed to create agent stdout pipe", "workflow_id", c.id, "error", err)
		c.setHealth(HealthUnhealthy, ErrKindAgentFailed)
		return
	}
	if err := cmd.Start(); err != nil {
		slog.Error("trigger: failed to start agent", "workflow_id", c.id, "path", c.agent.Path, "error", err)
		c.setHealth(HealthUnhealthy, ErrKindAgentFailed)
		return
	}

	slog.Info("trigger: agent spawned", "workflow_id", c.id, "pid", cmd.Process.Pid)

	r := bufio.NewReader(stdout)
	for {
		ev, err := readEvent(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Error("trigger: agent protocol error", "workflow_id", c.id, "error", err)
				c.setHealth(HealthUnhealthy, ErrKindAgentProtocol)
			}
			break
		}

		switch ev.Kind {
		case eventState:
			if s := State(ev.State); s != StateStopped {
				c.setState(s)
			}
		case eventHealth:
			c.publishHealth(Health{
				Status:    HealthStatus(ev.Health),
				Updated:   time.Unix(0, ev.Timestamp),
				ErrorKind: ev.ErrorKind,
			})
		case eventFire:
			c.fire(ctx)
		default:
			slog.Debug("trigger: unknown agent event", "workflow_id", c.id, "kind", ev.Kind)
		}
	}

	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		slog.Debug("trigger: agent exited (shutdown)", "workflow_id", c.id)
	case err != nil:
		slog.Error("trigger: agent exited unexpectedly", "workflow_id", c.id, "error", err)
		if c.Health().ErrorKind != ErrKindLineInvalid {
			c.setHealth(HealthUnhealthy, ErrKindAgentExited)
		}
	default:
		slog.Warn("trigger: agent exited", "workflow_id", c.id)
		if c.Health().ErrorKind != ErrKindLineInvalid {
			c.setHealth(HealthUnhealthy, ErrKindAgentExited)
		}
	}
}
