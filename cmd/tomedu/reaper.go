package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Fail pending processes whose worker is gone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		n, err := a.Reaper().Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Failed %d abandoned processes\n", n)
		return nil
	},
}

func init() { rootCmd.AddCommand(reaperCmd) }
