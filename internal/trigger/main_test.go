package trigger

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"
)

const helperEnv = "TRIGGER_AGENT_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperAgent()
		return
	}
	goleak.VerifyTestMain(m)
}

// runHelperAgent is the child side of the process-strategy tests: a fake line
// that produces one rising edge shortly after start.
func runHelperAgent() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	line := NewFakeLine(Low)
	go func() {
		time.Sleep(50 * time.Millisecond)
		line.Set(High)
	}()

	cfg := Config{Chip: "fake", PollingInterval: time.Millisecond}
	if err := RunAgent(ctx, "helper", cfg, line, os.Stdout); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
