// Package studiolock coordinates editing sessions for binary creative
// project files: one exclusive lock per project over a shared ledger,
// debounced draft commits while the file changes, and a durable offline
// queue for network operations.
//
// Example usage:
//
//	cfg := studiolock.DefaultConfig()
//	cfg.RemoteAddr = "hub.example.com:3400"
//	cfg.Projects = []studiolock.Project{{ID: "songs/midnight", Dir: "/work/midnight"}}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := studiolock.Run(context.Background(), cfg); err != nil {
//	    log.Fatal(err)
//	}
package studiolock

import (
	"context"

	logAdapter "github.com/studiolock/studiolock/internal/adapters/log"
	"github.com/studiolock/studiolock/internal/adapters/oxen"
	"github.com/studiolock/studiolock/internal/app"
	"github.com/studiolock/studiolock/internal/cliconfig"
	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/ports"
)

// Config holds daemon configuration. Use DefaultConfig for sensible
// defaults; at minimum set RemoteAddr and Projects before Run.
type Config = cliconfig.Config

// Project maps a project id to its working directory.
type Project = cliconfig.Project

// Daemon is the assembled coordination service graph.
type Daemon = app.Daemon

// DefaultConfig returns a Config with the default timings and state
// directory.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// New assembles a daemon over the default ledger substrate. The caller
// drives its lifecycle with Start and Stop, or uses its one-shot
// operations and Close.
func New(cfg Config, logger ports.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logAdapter.NewZerologAdapter(cfg.LogLevel)
	}
	ledger := oxen.New(nil, logger)
	for _, p := range cfg.Projects {
		ledger.Register(p.ID, p.Dir)
	}
	return app.NewDaemon(cfg, ledger, clock.Real{}, logger)
}

// Run starts the daemon and blocks until the context is cancelled, then
// shuts down gracefully, including the final emergency commit sweep.
func Run(ctx context.Context, cfg Config) error {
	d, err := New(cfg, nil)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		d.Close()
		return err
	}
	<-ctx.Done()
	return d.Stop(context.Background())
}
