package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "servaudit",
	Short: "Recurring server audits with change tracking and reviewable findings",
	Long: `servaudit scans a fleet of PostgreSQL servers on a recurring cycle,
keeps a durable history of every finding under stable identities, and
maintains a reviewable CSV workbook where operators grant exceptions and
leave notes. Each cycle reconciles the workbook, collects fresh state,
classifies what changed against the baseline and the previous run, and
regenerates the workbook.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI with the given context. Cancelling the context
// interrupts a running cycle; its progress is kept for resume
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./servaudit.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newRegenCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLogCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newTargetsCmd())
	rootCmd.AddCommand(newServeCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("servaudit")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SERVAUDIT")
	viper.AutomaticEnv()

	viper.SetDefault("output", "table")

	_ = viper.ReadInConfig()
}

func getOutputFormat() string {
	if outputFormat != "" && outputFormat != "table" {
		return outputFormat
	}
	return viper.GetString("output")
}
