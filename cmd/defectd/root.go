package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/defectd.yaml"

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "defectd",
		Short:         "Edge defect detection station",
		Long:          "Runs trigger-driven and scheduled captures through media pipelines and keeps\nthe device shadow in sync with the pipelines that are actually running.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newRunCmd(opts),
		newCaptureCmd(opts),
		newResultsCmd(opts),
		newAgentCmd(opts),
	)
	return root
}

// setupLogger installs the JSON slog handler as default.
func setupLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
