package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/studiolock/studiolock/internal/domain"
)

func newLockCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release, inspect, or break project locks",
	}
	cmd.AddCommand(
		newLockAcquireCmd(c),
		newLockReleaseCmd(c),
		newLockStatusCmd(c),
		newLockBreakCmd(c),
	)
	return cmd
}

func newLockAcquireCmd(c *cli) *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "acquire <project>",
		Short: "Acquire the exclusive editing lock for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			lockTTL := c.cfg.LockTTL
			if ttl != "" {
				if lockTTL, err = parseDurationFlag("ttl", ttl); err != nil {
					return err
				}
			}

			handle, err := d.AcquireLock(cmd.Context(), args[0], lockTTL)
			if err != nil {
				var queued *domain.QueuedError
				if errors.As(err, &queued) {
					fmt.Printf("offline: acquire queued as %s, will run when the network returns\n", queued.OpID)
					return nil
				}
				if locked, ok := domain.AsAlreadyLocked(err); ok {
					return fmt.Errorf("%s holds the lock until %s", locked.Holder, humanize.Time(locked.ExpiresAt))
				}
				return err
			}
			fmt.Printf("locked %s until %s (lock %s)\n", args[0], humanize.Time(handle.ExpiresAt), handle.LockID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "", "lock lifetime (default: configured lock-ttl)")
	return cmd
}

func newLockReleaseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "release <project>",
		Short: "Release the project lock held by this identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.ReleaseLock(cmd.Context(), args[0]); err != nil {
				var queued *domain.QueuedError
				if errors.As(err, &queued) {
					fmt.Printf("offline: release queued as %s\n", queued.OpID)
					return nil
				}
				if errors.Is(err, domain.ErrNotHeld) {
					return fmt.Errorf("no lock held on %s by this identity", args[0])
				}
				return err
			}
			fmt.Printf("released %s\n", args[0])
			return nil
		},
	}
}

func newLockStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show who holds the project lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			status, err := d.Locks().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Printf("%s is unlocked\n", args[0])
				return nil
			}

			rec := status.Record
			switch {
			case status.Expired:
				fmt.Printf("%s: lock by %s expired %s, reclaimable by the next acquire\n",
					args[0], rec.Holder, humanize.Time(rec.ExpiresAt))
			case status.Stale:
				fmt.Printf("%s: locked by %s, expires %s (stale: last heartbeat %s)\n",
					args[0], rec.Holder, humanize.Time(rec.ExpiresAt), humanize.Time(rec.HeartbeatAt))
			default:
				fmt.Printf("%s: locked by %s, expires %s (acquired %s)\n",
					args[0], rec.Holder, humanize.Time(rec.ExpiresAt), humanize.Time(rec.AcquiredAt))
			}
			if !status.Expired && rec.ExpiringSoon(time.Now(), c.cfg.ExpiryWarnThreshold) {
				fmt.Printf("warning: lock expires in %s\n", status.Remaining.Round(time.Minute))
			}
			return nil
		},
	}
}

func newLockBreakCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "break <project>",
		Short: "Force-break the project lock regardless of holder",
		Long: `Removes the lock record even when another session holds it. The break is
always recorded in the history with the superseded holder. Requires a
working network connection; a break is never queued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			if !yes {
				status, serr := d.Locks().Status(cmd.Context(), args[0])
				if serr == nil && status != nil && !status.Expired {
					fmt.Printf("%s is locked by %s until %s.\n",
						args[0], status.Record.Holder, humanize.Time(status.Record.ExpiresAt))
				}
				if !confirm(fmt.Sprintf("Break the lock on %s?", args[0])) {
					fmt.Println("aborted")
					return nil
				}
			}

			if err := d.BreakLock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("lock on %s broken\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func parseDurationFlag(name, value string) (d time.Duration, err error) {
	d, err = time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, value, err)
	}
	return d, nil
}
