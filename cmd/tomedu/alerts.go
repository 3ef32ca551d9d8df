package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Observation alert tasks",
}

var alertsProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Sync alerted observations, build timelapses and email subscribers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		report, err := a.AlertProcessor().Run(cmd.Context())
		if err != nil {
			return err
		}
		if len(report.Targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No new data")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "New data for %s; sent %d emails\n", strings.Join(report.Targets, ", "), report.Emailed)
		return nil
	},
}

func init() {
	alertsCmd.AddCommand(alertsProcessCmd)
	rootCmd.AddCommand(alertsCmd)
}
