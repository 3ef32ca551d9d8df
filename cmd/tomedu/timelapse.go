package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tendant/tom-education/internal/app"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/timelapse"
)

var timelapseCmd = &cobra.Command{
	Use:   "timelapse",
	Short: "Create and render timelapses",
}

var timelapseCreateCmd = &cobra.Command{
	Use:   "create <target>",
	Short: "Create a timelapse from the target's good quality frames",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		return createTimelapse(cmd.Context(), a, args[0], cmd.OutOrStdout())
	},
}

var renderOut string

var timelapseRenderCmd = &cobra.Command{
	Use:   "render -o <out> <frame.fits>...",
	Short: "Render local FITS files without touching the database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if err := timelapse.RenderFiles(ctx, args, cfg.Timelapse, renderOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d frames to %s\n", len(args), renderOut)
		return nil
	},
}

func init() {
	timelapseRenderCmd.Flags().StringVarP(&renderOut, "out", "o", "timelapse.gif", "output file")
	timelapseCmd.AddCommand(timelapseCreateCmd, timelapseRenderCmd)
	rootCmd.AddCommand(timelapseCmd)
}

// createTimelapse runs the timelapse pipeline in the foreground over the
// target's products in the configured group.
func createTimelapse(ctx context.Context, a *app.App, owner string, w io.Writer) error {
	known, err := a.Store.KnownOwner(ctx, owner)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("target '%s' does not exist", owner)
	}
	group, err := a.Store.GetOrCreateGroup(ctx, a.Config.TimelapseGroupName)
	if err != nil {
		return err
	}
	prods, err := a.Store.ListGroupProducts(ctx, group.ID, owner)
	if err != nil {
		return err
	}
	var ids []int64
	for _, p := range prods {
		if timelapse.Accepts(p.Filename) {
			ids = append(ids, p.ID)
		}
	}
	fmt.Fprintf(w, "Creating timelapse of %d files for target %s...\n", len(ids), owner)
	if len(ids) == 0 {
		fmt.Fprintln(w, "Nothing to do")
		return nil
	}

	id, err := a.SyncRunner().Submit(ctx, runner.Submission{JobType: timelapse.Name, OwnerID: owner, InputIDs: ids})
	if err != nil {
		return err
	}
	rec, err := a.Store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != process.StatusCreated {
		msg := process.GenericFailureMessage
		if rec.FailureMessage != nil {
			msg = *rec.FailureMessage
		}
		return fmt.Errorf("timelapse %s failed: %s", id, msg)
	}
	if rec.GroupID == nil {
		return errors.New("timelapse finished without outputs")
	}
	outputs, err := a.Store.ListGroupProducts(ctx, *rec.GroupID, owner)
	if err != nil {
		return err
	}
	for _, p := range outputs {
		fmt.Fprintf(w, "Created timelapse %s\n", p.URL)
	}
	return nil
}
