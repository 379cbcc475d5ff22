package fs

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// SuspendSignal implements ports.SuspendSignal from process signals.
// SIGTSTP stands in for a will-sleep notice and SIGCONT for the matching
// resume; desktop integrations can deliver real power events the same
// way. SIGTERM is also treated as a suspend notice so shutdown gets the
// same emergency commit sweep.
type SuspendSignal struct {
	clock  clock.Clock
	logger ports.Logger
	events chan domain.SuspendEvent
}

// NewSuspendSignal creates the signal source.
func NewSuspendSignal(clk clock.Clock, logger ports.Logger) *SuspendSignal {
	return &SuspendSignal{
		clock:  clk,
		logger: logger,
		events: make(chan domain.SuspendEvent, 8),
	}
}

// Events returns the power event stream.
func (s *SuspendSignal) Events() <-chan domain.SuspendEvent {
	return s.events
}

// Run pumps signals into the event stream until the context is
// cancelled, then closes the stream.
func (s *SuspendSignal) Run(ctx context.Context) error {
	defer close(s.events)

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTSTP, syscall.SIGCONT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigs:
			ev := domain.SuspendEvent{
				Resuming: sig == syscall.SIGCONT,
				At:       s.clock.Now(),
			}
			s.logger.Info("power signal",
				ports.String("signal", sig.String()),
				ports.Bool("resuming", ev.Resuming),
			)
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
