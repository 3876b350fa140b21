package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

// newAgentCmd is the child side of the process trigger strategy. Stdout
// carries the event stream, so logs go to stderr.
func newAgentCmd(root *rootOptions) *cobra.Command {
	var (
		workflowID string
		chip       string
		pin        int
		edge       string
		debounce   time.Duration
		poll       time.Duration
	)

	cmd := &cobra.Command{
		Use:    trigger.AgentSubcommand,
		Short:  "Poll one trigger line and stream events to the parent (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(os.Stderr, root.debug)

			e, err := trigger.ParseEdge(edge)
			if err != nil {
				return err
			}
			cfg := trigger.Config{
				Chip:            chip,
				Pin:             pin,
				Edge:            e,
				DebounceTime:    debounce,
				PollingInterval: poll,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			line, err := trigger.OpenLine(cfg, "defectd-"+workflowID)
			if err != nil {
				return fmt.Errorf("trigger-agent: %w", err)
			}
			return trigger.RunAgent(ctx, workflowID, cfg, line, os.Stdout)
		},
	}

	f := cmd.Flags()
	f.StringVar(&workflowID, "workflow", "", "Workflow ID")
	f.StringVar(&chip, "chip", "gpiochip0", "GPIO chip")
	f.IntVar(&pin, "pin", 0, "Line offset")
	f.StringVar(&edge, "edge", "rising", "Trigger edge (rising, falling)")
	f.DurationVar(&debounce, "debounce", 0, "Hold after a fire")
	f.DurationVar(&poll, "poll", time.Millisecond, "Polling interval")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
