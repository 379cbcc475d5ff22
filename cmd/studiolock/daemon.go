package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDaemonCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the coordination daemon for the configured projects",
		Long: `Watches every configured project directory, commits drafts after the
debounce window, renews held locks, drains the offline queue, and sweeps
an emergency commit before suspend or shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(c.cfg.Projects) == 0 {
				return fmt.Errorf("no projects configured; add [[projects]] entries to the config file")
			}

			d, err := c.daemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := d.Start(ctx); err != nil {
				d.Close()
				return fmt.Errorf("start daemon: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			return d.Stop(context.Background())
		},
	}
}
