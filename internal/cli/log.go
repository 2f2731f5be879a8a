package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

func newLogCmd() *cobra.Command {
	var (
		runID      int64
		kind       string
		identity   string
		transition string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the action log",
		Long: `Shows detected changes from the append-only action log, newest first.
Filters narrow by run, category, identity token or transition.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := actionlog.Filter{
				RunID:    runID,
				Identity: identity,
				Limit:    limit,
			}
			if kind != "" {
				k := entity.ParseKind(kind)
				if k == "" {
					return fmt.Errorf("unknown category %q", kind)
				}
				filter.Kind = k
			}
			if transition != "" {
				tr := finding.Transition(transition)
				if !tr.IsValid() {
					return fmt.Errorf("unknown transition %q", transition)
				}
				filter.Transition = tr
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.status.Log(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if getOutputFormat() != "table" {
				return printOutput(entries)
			}

			t := NewTable("RUN", "DETECTED", "CATEGORY", "TARGET", "NAME", "CHANGE", "STATUS", "DETAIL")
			for _, e := range entries {
				name := e.Name
				if e.Scope != "" {
					name = e.Scope + "/" + e.Name
				}
				t.AddRow(
					strconv.FormatInt(e.RunID, 10),
					formatTime(e.DetectedAt),
					e.Kind.String(),
					e.Target,
					truncate(name, 30),
					e.Transition.Label(),
					formatStatus(string(e.Status)),
					truncate(e.Detail, 50),
				)
			}
			t.Render()

			return nil
		},
	}

	cmd.Flags().Int64Var(&runID, "run", 0, "only entries from this run")
	cmd.Flags().StringVar(&kind, "kind", "", "only entries for this category")
	cmd.Flags().StringVar(&identity, "identity", "", "only entries for this identity token")
	cmd.Flags().StringVar(&transition, "transition", "", "only entries with this transition")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show (0 for all)")

	return cmd
}
