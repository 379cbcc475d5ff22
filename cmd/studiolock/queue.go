package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/studiolock/studiolock/internal/domain"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage deferred network operations",
	}
	cmd.AddCommand(newQueueListCmd(c), newQueueCancelCmd(c))
	return cmd
}

func newQueueListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.Queue().Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OP ID\tPROJECT\tKIND\tQUEUED\tATTEMPTS\tLAST ERROR")
			for _, e := range entries {
				lastErr := e.LastError
				if lastErr == "" {
					lastErr = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					e.OpID, e.ProjectID, e.Kind, humanize.Time(e.CreatedAt), e.AttemptCount, lastErr)
			}
			return w.Flush()
		},
	}
}

func newQueueCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <op-id>",
		Short: "Remove a queued operation without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Queue().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query and export the operation history",
	}
	cmd.AddCommand(newHistoryListCmd(c), newHistoryExportCmd(c), newHistoryStatsCmd(c))
	return cmd
}

// historyFilterFlags binds the shared filter flags for list and export.
type historyFilterFlags struct {
	project   string
	operation string
	result    string
	since     string
	limit     int
}

func (f *historyFilterFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&f.project, "project", "", "filter by project")
	cmd.Flags().StringVar(&f.operation, "operation", "", "filter by operation (lock_acquire, commit, publish, ...)")
	cmd.Flags().StringVar(&f.result, "result", "", "filter by result (success, failure, retried)")
	cmd.Flags().StringVar(&f.since, "since", "", "only entries after this duration ago (e.g. 24h)")
	cmd.Flags().IntVar(&f.limit, "limit", defaultLimit, "maximum entries (0 for all)")
}

func (f *historyFilterFlags) filter() (domain.HistoryFilter, error) {
	filter := domain.HistoryFilter{
		ProjectID: f.project,
		Operation: domain.OperationType(f.operation),
		Result:    domain.OperationResult(f.result),
		Limit:     f.limit,
	}
	if f.since != "" {
		d, err := time.ParseDuration(f.since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since %q: %w", f.since, err)
		}
		filter.Since = time.Now().Add(-d)
	}
	return filter, nil
}

func newHistoryListCmd(c *cli) *cobra.Command {
	var flags historyFilterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.History().Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no matching history entries")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tPROJECT\tOPERATION\tRESULT\tACTOR\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(e.Timestamp), e.ProjectID, e.Operation, e.Result, e.Actor, e.Detail)
			}
			return w.Flush()
		},
	}
	flags.register(cmd, 50)
	return cmd
}

func newHistoryExportCmd(c *cli) *cobra.Command {
	var flags historyFilterFlags
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export history as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			dst := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			return d.History().ExportCSV(cmd.Context(), dst, filter)
		},
	}
	flags.register(cmd, 0)
	cmd.Flags().StringVarP(&out, "output", "o", "", "write CSV to a file instead of stdout")
	return cmd
}

func newHistoryStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the operation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			stats, err := d.History().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total operations: %d\n", stats.Total)
			fmt.Printf("successful:       %d\n", stats.Successful)
			fmt.Printf("failed:           %d\n", stats.Failed)
			fmt.Printf("lock operations:  %d\n", stats.LockOps)
			fmt.Printf("network ops:      %d\n", stats.NetworkOps)
			return nil
		},
	}
}
