package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-defect-station/internal/capture"
	"github.com/e7canasta/orion-defect-station/internal/config"
)

// newCaptureCmd runs one capture task against a configured workflow without
// starting triggers or touching the cloud shadow.
func newCaptureCmd(root *rootOptions) *cobra.Command {
	var (
		workflowID  string
		taskID      string
		prefix      string
		outputPath  string
		imageSource string
		count       int
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a capture task once and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(os.Stderr, root.debug)

			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			wf, ok := cfg.Workflow(workflowID)
			if !ok {
				return fmt.Errorf("workflow %q not found in %s", workflowID, root.configPath)
			}
			wf.Trigger = nil
			if taskID == "" {
				taskID = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := newStation(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
				defer cancel()
				_ = st.close(shutdownCtx)
			}()

			if err := st.orch.StartWorkflow(ctx, wf); err != nil {
				return err
			}
			h, err := st.orch.Capture(wf.ID, capture.TaskParams{
				TaskID:      taskID,
				Prefix:      prefix,
				OutputPath:  outputPath,
				ImageSource: imageSource,
				Interval:    interval,
				Count:       count,
			})
			if err != nil {
				return err
			}

			select {
			case <-h.Done():
			case <-ctx.Done():
				h.Cancel()
				<-h.Done()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(h.Summary()); err != nil {
				return err
			}
			if h.Status() == capture.StatusFailed {
				return h.Err()
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&workflowID, "workflow", "", "Workflow ID from the configuration")
	f.StringVar(&taskID, "task-id", "", "Capture task ID (default: random UUID)")
	f.StringVar(&prefix, "prefix", "", "Key prefix (default: none)")
	f.StringVar(&outputPath, "output-path", "", "Frame directory below capture.output_dir (default: workflow output_path)")
	f.StringVar(&imageSource, "image-source", "", "Image source descriptor (default: workflow image_source)")
	f.IntVar(&count, "count", 1, "Number of shots")
	f.DurationVar(&interval, "interval", time.Second, "Pause between shots")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
