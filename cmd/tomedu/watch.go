package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/tom-education/internal/poller"
	"github.com/tendant/tom-education/pkg/schema"
)

var (
	watchServer   string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <target>",
	Short: "Follow the target's processes until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		p := poller.New(watchServer, args[0], poller.WithInterval(watchInterval), poller.WithLogger(logger))
		out := cmd.OutOrStdout()
		err := p.Run(ctx, func(resp schema.StatusResponse) {
			fmt.Fprintf(out, "\n%s\n", formatTime(resp.Timestamp))
			renderTable(out, resp.Processes)
		})
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://127.0.0.1:8080", "base URL of the API server")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", poller.DefaultInterval, "time between polls")
	rootCmd.AddCommand(watchCmd)
}

func renderTable(w io.Writer, procs []schema.ProcessView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tSTATUS\tCREATED\tFINISHED\tMESSAGE")
	for _, p := range procs {
		finished, msg := "-", ""
		if p.TerminalTimestamp != nil {
			finished = formatTime(*p.TerminalTimestamp)
		}
		if p.FailureMessage != nil {
			msg = *p.FailureMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Identifier, p.Status, formatTime(p.Created), finished, msg)
	}
	_ = tw.Flush()
}

func formatTime(ts float64) string {
	return time.Unix(int64(ts), 0).Format(time.DateTime)
}
