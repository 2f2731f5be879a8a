package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/servaudit/servaudit/internal/config"
)

func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Validate and list the server inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if v := viper.GetString("targets_file"); v != "" {
				cfg.Audit.TargetsFile = v
			}

			targets, err := config.LoadTargets(cfg.Audit.TargetsFile)
			if err != nil {
				return err
			}

			if getOutputFormat() != "table" {
				// Passwords stay out of every output mode
				for i := range targets {
					targets[i].Password = ""
				}
				return printOutput(targets)
			}

			t := NewTable("NAME", "HOST", "PORT", "DATABASE", "USER", "SSLMODE")
			for _, target := range targets {
				t.AddRow(
					target.Name,
					target.Host,
					strconv.Itoa(target.Port),
					target.Database,
					target.User,
					target.SSLMode,
				)
			}
			t.Render()
			fmt.Printf("\n%d targets in %s\n", len(targets), cfg.Audit.TargetsFile)

			return nil
		},
	}
}
