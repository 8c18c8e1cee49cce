package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chanrelay/internal/app"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "chanrelay",
		Short:         "Relay channel posts to Telegram, NapCat and Discord",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to config json or yaml")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start capture and dispatch until SIGINT/SIGTERM",
		RunE:  runRelay,
	})
	root.AddCommand(queueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(configPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return errors.Join(a.Err(), a.Stop(stopCtx, reason))
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print the watermark and pending count of every channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := app.InspectQueue(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store: %s %s\n", rep.Driver, rep.Path)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tWATERMARK\tPENDING")
			var total int64
			for _, st := range rep.Channels {
				fmt.Fprintf(w, "%s\t%d\t%s\n", st.Channel, st.Watermark, humanize.Comma(int64(st.Pending)))
				total += int64(st.Pending)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "total pending: %s\n", humanize.Comma(total))
			return nil
		},
	}
}
