package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <category> <identity>",
		Short: "Show everything recorded about one identity",
		Long: `Shows the full record of one identity token: where it was assigned, its
state in every run it appeared in, and every annotation change reviewers
made along the way.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := entity.ParseKind(args[0])
			if kind == "" {
				return fmt.Errorf("unknown category %q", args[0])
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			hist, err := a.status.History(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}

			if getOutputFormat() != "table" {
				return printOutput(hist)
			}

			as := hist.Assignment
			fmt.Printf("Identity %s\n", as.Identity)
			fmt.Printf("  Entity:    %s %s\n", as.Kind, as.LegacyKey)
			fmt.Printf("  Assigned:  run %d, %s\n", as.RunID, formatTime(as.CreatedAt))
			if ann := hist.Annotation; ann != nil {
				fmt.Printf("  Review:    %s (%s)\n", ann.ReviewStatus, ann.Lifecycle)
				if ann.Justification != "" {
					fmt.Printf("  Reason:    %s\n", ann.Justification)
				}
			}
			fmt.Println()

			t := NewTable("RUN", "TARGET", "NAME", "STATUS", "CHANGE", "DETAIL")
			for _, st := range hist.States {
				name := st.Name
				if st.Scope != "" {
					name = st.Scope + "/" + st.Name
				}
				t.AddRow(
					strconv.FormatInt(st.RunID, 10),
					st.Target,
					truncate(name, 30),
					formatStatus(string(st.Status)),
					indicatorColumn(st),
					truncate(st.Detail, 50),
				)
			}
			t.Render()

			if len(hist.Changes) > 0 {
				fmt.Println()
				ct := NewTable("RUN", "CHANGED", "REVIEW", "LIFECYCLE", "SOURCE", "JUSTIFICATION")
				for _, ch := range hist.Changes {
					ct.AddRow(
						strconv.FormatInt(ch.RunID, 10),
						formatTime(ch.ChangedAt),
						string(ch.ReviewStatus),
						string(ch.Lifecycle),
						ch.Source,
						truncate(ch.Justification, 40),
					)
				}
				ct.Render()
			}

			return nil
		},
	}
}

// indicatorColumn renders a state's change marker for history tables
func indicatorColumn(st finding.State) string {
	if st.Carried {
		return "CARRIED"
	}
	if st.VsPrevious.Logged() {
		return st.VsPrevious.Label()
	}
	return ""
}
