package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	logAdapter "github.com/studiolock/studiolock/internal/adapters/log"
	"github.com/studiolock/studiolock/internal/adapters/oxen"
	"github.com/studiolock/studiolock/internal/app"
	"github.com/studiolock/studiolock/internal/cliconfig"
	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/ports"
)

const longHelp = `Session coordination for binary creative projects.

studiolock keeps one editing session per project: an exclusive lock over
a shared ledger, debounced local safety commits while you work, and a
durable offline queue for everything the network swallowed.

Run "studiolock daemon" next to your editor for automatic commits and
lock renewal, or use the one-shot commands for scripted workflows.`

const exampleUsage = `  studiolock daemon
  studiolock lock acquire songs/midnight
  studiolock commit songs/midnight -m "rough mix"
  studiolock publish songs/midnight
  studiolock history list --project songs/midnight`

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the loaded configuration and wiring shared by subcommands.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	logger  ports.Logger
}

// load applies the config file, environment, and flag layers, in rising
// precedence, then validates.
func (c *cli) load(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	cmd.InheritedFlags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	c.logger = logAdapter.NewZerologAdapter(c.cfg.LogLevel)
	return nil
}

// daemon assembles the full service graph. The caller owns shutdown:
// Close for one-shot use, Stop after Start for the long-running daemon.
func (c *cli) daemon() (*app.Daemon, error) {
	ledger := oxen.New(nil, c.logger)
	for _, p := range c.cfg.Projects {
		ledger.Register(p.ID, p.Dir)
	}
	return app.NewDaemon(c.cfg, ledger, clock.Real{}, c.logger)
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:           "studiolock",
		Short:         "Session coordination for binary creative projects",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.studiolock/config.toml)")
	pf.StringVar(&c.cfg.RemoteAddr, "remote-addr", c.cfg.RemoteAddr, "remote ledger address for connectivity probes")
	pf.StringVar(&c.cfg.StateDir, "state-dir", c.cfg.StateDir, "directory for the queue and history database")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.DurationVar(&c.cfg.LockTTL, "lock-ttl", c.cfg.LockTTL, "lock lifetime before it becomes reclaimable")
	pf.DurationVar(&c.cfg.HeartbeatInterval, "heartbeat-interval", c.cfg.HeartbeatInterval, "background lock renewal interval")
	pf.DurationVar(&c.cfg.StaleThreshold, "stale-threshold", c.cfg.StaleThreshold, "heartbeat age after which a lock is reported stale")
	pf.DurationVar(&c.cfg.ExpiryWarnThreshold, "expiry-warn-threshold", c.cfg.ExpiryWarnThreshold, "remaining TTL that triggers expiry warnings")
	pf.DurationVar(&c.cfg.DebounceWindow, "debounce-window", c.cfg.DebounceWindow, "quiet period before an automatic commit")
	pf.DurationVar(&c.cfg.EmergencyDeadline, "emergency-deadline", c.cfg.EmergencyDeadline, "time budget for the pre-suspend commit sweep")
	pf.DurationVar(&c.cfg.RetryBase, "retry-base", c.cfg.RetryBase, "initial network retry delay")
	pf.DurationVar(&c.cfg.RetryMax, "retry-max", c.cfg.RetryMax, "maximum network retry delay")
	pf.DurationVar(&c.cfg.DrainInterval, "drain-interval", c.cfg.DrainInterval, "queue drain loop interval")
	pf.DurationVar(&c.cfg.ProbeTimeout, "probe-timeout", c.cfg.ProbeTimeout, "connectivity probe timeout")
	pf.IntVar(&c.cfg.CASRetries, "cas-retries", c.cfg.CASRetries, "lock CAS attempts before reporting contention")
	pf.IntVar(&c.cfg.MaxRetries, "max-retries", c.cfg.MaxRetries, "network retries before deferring to the queue")
	pf.IntVar(&c.cfg.HistoryLimit, "history-limit", c.cfg.HistoryLimit, "maximum retained audit entries")

	root.AddCommand(
		newDaemonCmd(c),
		newLockCmd(c),
		newCommitCmd(c),
		newPublishCmd(c),
		newSyncCmd(c),
		newQueueCmd(c),
		newHistoryCmd(c),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "studiolock:", err)
		os.Exit(1)
	}
}
