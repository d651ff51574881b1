package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "overseer",
		Short:         "Supervise automation engine runs as processes or containers",
		Long: `Overseer launches an automation engine as a child process or container,
captures its structured event stream alongside the raw output, and finalizes
a durable artifact directory with the terminal status and return code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(runCmd())
	cmd.AddCommand(serveCmd())

	return cmd
}
