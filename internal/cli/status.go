package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/servaudit/servaudit/internal/domain/finding"
)

func newStatusCmd() *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show run status and per-category commits",
		Long: `Shows one run with its per-category commit checkpoints and change counts.
Without an argument the latest run is shown; --recent lists past runs
instead.`,
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

			if recent > 0 {
				return printRecentRuns(cmd, a, recent)
			}
			return printRunStatus(cmd, a, runID)
		},
	}

	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent runs")

	return cmd
}

// runIDArg parses the optional run id positional argument, 0 meaning latest
func runIDArg(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid run id %q", args[0])
	}
	return id, nil
}

func printRunStatus(cmd *cobra.Command, a *app, runID int64) error {
	st, err := a.status.Status(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if getOutputFormat() != "table" {
		return printOutput(st)
	}

	rn := st.Run
	fmt.Printf("Run %d", rn.ID)
	if rn.Bootstrap {
		fmt.Print(" (bootstrap)")
	}
	fmt.Println()
	fmt.Printf("  Status:    %s\n", formatStatus(string(rn.Status)))
	fmt.Printf("  Phase:     %s\n", rn.Phase)
	if rn.BaselineRunID != 0 {
		fmt.Printf("  Compared:  baseline run %d, previous run %d\n", rn.BaselineRunID, rn.PreviousRunID)
	}
	fmt.Printf("  Started:   %s\n", formatTime(rn.StartedAt))
	fmt.Printf("  Duration:  %s\n", formatDuration(rn.StartedAt, rn.FinishedAt))
	if rn.Error != "" {
		fmt.Printf("  Error:     %s\n", rn.Error)
	}
	fmt.Println()

	t := NewTable("CATEGORY", "STATUS", "STATES", "TRANSITIONS", "COMMITTED", "ERROR")
	for _, cat := range st.Categories {
		committed := "-"
		if cat.CommittedAt != nil {
			committed = formatTime(*cat.CommittedAt)
		}
		t.AddRow(
			cat.Kind.String(),
			formatStatus(string(cat.Status)),
			strconv.Itoa(cat.States),
			strconv.Itoa(cat.Transitions),
			committed,
			truncate(cat.Error, 40),
		)
	}
	t.Render()

	if len(st.Counts) > 0 {
		fmt.Println()
		fmt.Print("Changes:")
		for _, tr := range []finding.Transition{
			finding.TransitionNew,
			finding.TransitionFixed,
			finding.TransitionRegression,
			finding.TransitionExceptionAdded,
			finding.TransitionExceptionRemoved,
		} {
			if n := st.Counts[tr]; n > 0 {
				fmt.Printf("  %s %d", tr.Label(), n)
			}
		}
		fmt.Println()
	}

	return nil
}

func printRecentRuns(cmd *cobra.Command, a *app, limit int) error {
	runs, err := a.status.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if getOutputFormat() != "table" {
		return printOutput(runs)
	}

	t := NewTable("ID", "STATUS", "PHASE", "STARTED", "DURATION", "ERROR")
	for _, rn := range runs {
		id := strconv.FormatInt(rn.ID, 10)
		if rn.Bootstrap {
			id += "*"
		}
		t.AddRow(
			id,
			formatStatus(string(rn.Status)),
			string(rn.Phase),
			formatTime(rn.StartedAt),
			formatDuration(rn.StartedAt, rn.FinishedAt),
			truncate(rn.Error, 40),
		)
	}
	t.Render()

	return nil
}
