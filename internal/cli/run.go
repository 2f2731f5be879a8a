package cli

import (
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var bootstrap bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one audit cycle",
		Long: `Executes one full audit cycle: ingests workbook edits, collects state
from every target, classifies changes against the baseline and the previous
run, commits per category, and regenerates the workbook.

The first cycle against an empty store must pass --bootstrap; it records the
initial snapshot without logging changes and becomes the baseline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.sync.Execute(cmd.Context(), bootstrap); err != nil {
				return err
			}
			return printRunStatus(cmd, a, 0)
		},
	}

	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "record the initial baseline snapshot")

	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume an interrupted or failed cycle",
		Long: `Picks an unfinished cycle back up. Categories that already committed are
left untouched; everything else is redone against the same baseline and
previous run the original attempt pinned. Without an argument the latest
run is resumed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.sync.Resume(cmd.Context(), runID); err != nil {
				return err
			}
			return printRunStatus(cmd, a, runID)
		},
	}
}

func newRegenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regen",
		Short: "Regenerate the workbook without collecting",
		Long: `Rewrites the review workbook from the latest completed run's states and
the full action log. No target is contacted and no history changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return a.sync.Regenerate(cmd.Context())
		},
	}
}
