package cmd

import (
	"github.com/spf13/cobra"

	"job-broker/config"
)

const configFlag = "config"

// RootCmd is the job broker CLI
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "job-broker",
		SilenceUsage: true,
		Short:        "Leases queued jobs to fleet workers and scales workload groups",
	}

	cmd.PersistentFlags().String(configFlag, "", "Path to a YAML configuration file")

	cmd.AddCommand(
		serveCmd(),
		evaluateCmd(),
		migrateCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ConfigureLogging(cfg.Log)
	return cfg, nil
}
