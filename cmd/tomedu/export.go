package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/tom-education/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <target>",
	Short: "Write the target's processes and data products to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		data, err := export.NewService(a.Store, logger).OwnerXLSX(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := exportOut
		if out == "" {
			out = args[0] + ".xlsx"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default <target>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
