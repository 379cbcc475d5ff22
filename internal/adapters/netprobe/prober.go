// Package netprobe implements the connectivity check used before sync
// operations. A TCP dial answers "is the ledger endpoint reachable"; when
// it fails, a DNS lookup distinguishes a down endpoint from a machine
// with no network at all.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/studiolock/studiolock/internal/ports"
)

// DefaultTimeout bounds one probe.
const DefaultTimeout = 5 * time.Second

// Prober implements ports.ConnectivityProber against a host:port
// endpoint.
type Prober struct {
	addr    string
	timeout time.Duration
	logger  ports.Logger
}

// New creates a prober for addr ("host:port"). timeout <= 0 selects
// DefaultTimeout.
func New(addr string, timeout time.Duration, logger ports.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{addr: addr, timeout: timeout, logger: logger}
}

// Probe dials the endpoint. Nil means the network looks usable.
func (p *Prober) Probe(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, dialErr := dialer.DialContext(tctx, "tcp", p.addr)
	if dialErr == nil {
		conn.Close()
		return nil
	}

	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		host = p.addr
	}
	if _, resolveErr := net.DefaultResolver.LookupHost(tctx, host); resolveErr != nil {
		p.logger.Debug("probe failed at dns", ports.String("host", host), ports.Err(resolveErr))
		return fmt.Errorf("cannot resolve %s: %w", host, dialErr)
	}
	p.logger.Debug("probe failed at dial", ports.String("addr", p.addr), ports.Err(dialErr))
	return fmt.Errorf("%s resolves but is not accepting connections: %w", p.addr, dialErr)
}
