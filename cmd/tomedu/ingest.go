package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	ingestWatch    bool
	ingestDebounce time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <root>",
	Short: "Store FITS files laid out as <root>/<target>/<file> as data products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		n, err := a.Ingest.Run(ctx, args[0], ingestWatch, ingestDebounce)
		if err != nil && ctx.Err() == nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d files\n", n)
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep ingesting new files until interrupted")
	ingestCmd.Flags().DurationVar(&ingestDebounce, "debounce", 0, "wait this long after the last write before ingesting")
	rootCmd.AddCommand(ingestCmd)
}
