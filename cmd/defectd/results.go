package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-defect-station/internal/capturestore"
	"github.com/e7canasta/orion-defect-station/internal/config"
)

// newResultsCmd lists stored captures. The index is locked by a running
// daemon, so this is for offline inspection.
func newResultsCmd(root *rootOptions) *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored capture records of a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(os.Stderr, root.debug)

			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			store, err := capturestore.Open(cfg.Capture.OutputDir, cfg.Capture.IndexDir)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(workflowID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Workflow ID")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
