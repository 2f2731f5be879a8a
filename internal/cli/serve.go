package cli

import (
	"github.com/spf13/cobra"

	"github.com/servaudit/servaudit/internal/worker"
)

func newServeCmd() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run recurring audit cycles on a schedule",
		Long: `Runs as a service: executes audit cycles on a cron schedule, exposes
Prometheus metrics and health probes, and shuts down cleanly on SIGINT or
SIGTERM. An interrupted cycle is resumed at startup; a store without a
baseline bootstraps one on the first tick.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if schedule != "" {
				a.cfg.Service.Schedule = schedule
			}

			ctx := cmd.Context()
			if a.cfg.Service.MetricsEnabled {
				srv := worker.NewMetricsServer(a.cfg.Service.MetricsAddr, a.db, a.logger)
				go func() {
					if err := srv.Start(ctx, a.cfg.Service.ShutdownTimeout); err != nil {
						a.logger.ErrorWithErr(err, "Metrics listener failed")
					}
				}()
			}

			runner := worker.NewCycleRunner(a.sync, a.stores.Runs, a.cfg.Service.Schedule, a.logger)
			return runner.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (overrides config)")

	return cmd
}
