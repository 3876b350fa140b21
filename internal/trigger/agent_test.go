package trigger

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeEvent(&buf, agentEvent{Kind: eventHealth, Health: int(HealthUnhealthy), ErrorKind: ErrKindReadFailed}))
	require.NoError(t, writeEvent(&buf, agentEvent{Kind: eventFire, Timestamp: 42}))

	first, err := readEvent(&buf)
	require.NoError(t, err)
	assert.Equal(t, eventHealth, first.Kind)
	assert.Equal(t, ErrKindReadFailed, first.ErrorKind)

	second, err := readEvent(&buf)
	require.NoError(t, err)
	assert.Equal(t, eventFire, second.Kind)
	assert.Equal(t, int64(42), second.Timestamp)
}

func TestAgentFraming_RejectsOversizedFrame(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, maxFrameSize+1)

	_, err := readEvent(bytes.NewReader(header))
	assert.Error(t, err)
}

func TestRunAgent_StreamsEvents(t *testing.T) {
	line := NewFakeLine(Low)
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- RunAgent(ctx, "wf-agent", Config{Chip: "fake", PollingInterval: time.Millisecond}, line, &out)
	}()

	time.Sleep(30 * time.Millisecond)
	line.Set(High)
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	var kinds []string
	r := bytes.NewReader(out.Bytes())
	for {
		ev, err := readEvent(r)
		if err != nil {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, eventHealth)
	assert.Contains(t, kinds, eventFire)
	assert.Equal(t, eventState, kinds[len(kinds)-1], "stopped state is the last event")
	assert.True(t, line.Closed())
}

func TestProcessController_MirrorsAgent(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	rec := &healthRecorder{}
	c, err := NewProcessController("wf-proc", Config{Chip: "fake", PollingInterval: time.Millisecond},
		AgentCommand{Path: exe, Env: []string{helperEnv + "=1"}},
		func(context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		}, rec)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		c.Stop()
		t.Fatal("no fire received from agent")
	}
	assert.Equal(t, HealthHealthy, c.Health().Status)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, uint64(1), c.Fires())
}

func TestAgentArgs(t *testing.T) {
	args := AgentArgs("wf-1", Config{Chip: "gpiochip1", Pin: 4, Edge: EdgeFalling, DebounceTime: 20 * time.Millisecond, PollingInterval: time.Millisecond})
	assert.Equal(t, []string{
		"--workflow", "wf-1",
		"--chip", "gpiochip1",
		"--pin", "4",
		"--edge", "falling",
		"--debounce", "20ms",
		"--poll", "1ms",
	}, args)
}
