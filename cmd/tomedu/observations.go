package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncTarget string

var observationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "Work with facility observations",
}

var observationsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh observation status and download new frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		if syncTarget != "" {
			known, err := a.Store.KnownOwner(ctx, syncTarget)
			if err != nil {
				return err
			}
			if !known {
				return fmt.Errorf("invalid target '%s'", syncTarget)
			}
		}
		n, err := a.Syncer().SyncAll(ctx, syncTarget)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d new data products\n", n)
		return nil
	},
}

func init() {
	observationsSyncCmd.Flags().StringVar(&syncTarget, "target", "", "only sync this target's observations")
	observationsCmd.AddCommand(observationsSyncCmd)
	rootCmd.AddCommand(observationsCmd)
}
