package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studiolock/studiolock/internal/domain"
)

func newCommitCmd(c *cli) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit <project>",
		Short: "Record a draft commit of the project's current state",
		Long: `Draft commits are private safety snapshots. They never touch the shared
branch and need no lock; publish moves them to the remote.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			commitID, err := d.Orchestrator().CommitNow(cmd.Context(), args[0], message)
			if err != nil {
				if errors.Is(err, domain.ErrNothingToCommit) {
					fmt.Printf("%s has no changes to commit\n", args[0])
					return nil
				}
				return err
			}
			fmt.Printf("committed %s (%s)\n", args[0], commitID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message (default: manual checkpoint)")
	return cmd
}

func newPublishCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <project>",
		Short: "Push draft commits to the shared branch (requires the lock)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Publish(cmd.Context(), args[0]); err != nil {
				var queued *domain.QueuedError
				if errors.As(err, &queued) {
					fmt.Printf("offline: publish queued as %s\n", queued.OpID)
					return nil
				}
				if errors.Is(err, domain.ErrLockRequired) || errors.Is(err, domain.ErrNotHeld) {
					return fmt.Errorf("publish needs the project lock; run \"studiolock lock acquire %s\" first", args[0])
				}
				return err
			}
			fmt.Printf("published %s\n", args[0])
			return nil
		},
	}
}

func newSyncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Evaluate and run synchronization with the remote",
	}
	cmd.AddCommand(newSyncEvaluateCmd(c), newSyncPullCmd(c))
	return cmd
}

func newSyncEvaluateCmd(c *cli) *cobra.Command {
	var pull bool
	cmd := &cobra.Command{
		Use:   "evaluate <project>",
		Short: "Check whether a push or pull is safe before running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			intent := domain.IntentPush
			if pull {
				intent = domain.IntentPull
			}
			check, err := d.Detector().Evaluate(cmd.Context(), args[0], intent)
			if err != nil {
				return err
			}

			switch check.Recommendation {
			case domain.RecommendSafe:
				fmt.Printf("%s: safe to %s (%s)\n", args[0], intent, check.Relation)
			case domain.RecommendAcquireLock:
				if check.LockHolder != "" {
					fmt.Printf("%s: acquire the lock first (currently held by %s)\n", args[0], check.LockHolder)
				} else {
					fmt.Printf("%s: acquire the lock first\n", args[0])
				}
			case domain.RecommendCheckNetwork:
				fmt.Printf("%s: remote unreachable: %s\n", args[0], check.ProbeError)
			case domain.RecommendManualMerge:
				fmt.Printf("%s: local and remote histories diverged; manual merge required\n", args[0])
				fmt.Println("neither side can fast-forward. Keep one side, or export both versions and reconcile in the editor.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", false, "evaluate a pull instead of a push")
	return cmd
}

func newSyncPullCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <project>",
		Short: "Fast-forward the local project from the shared branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Orchestrator().Pull(cmd.Context(), args[0]); err != nil {
				var queued *domain.QueuedError
				if errors.As(err, &queued) {
					fmt.Printf("offline: pull queued as %s\n", queued.OpID)
					return nil
				}
				if errors.Is(err, domain.ErrDiverged) {
					return fmt.Errorf("%s diverged from the remote; run \"studiolock sync evaluate %s --pull\"", args[0], args[0])
				}
				return err
			}
			fmt.Printf("pulled %s\n", args[0])
			return nil
		},
	}
}
