package diagnostics

import (
	"context"
	"net"
	"time"
)

// DefaultNetworkTimeout bounds one reachability dial.
const DefaultNetworkTimeout = time.Second

// NetworkProbe checks reachability by opening and closing one TCP
// connection. Nothing is sent.
type NetworkProbe struct {
	addr    string
	timeout time.Duration
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewNetworkProbe creates a probe for addr ("host:port"). An empty addr
// disables the probe, which then always reports unreachable.
func NewNetworkProbe(addr string, timeout time.Duration) *NetworkProbe {
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	d := &net.Dialer{}
	return &NetworkProbe{
		addr:    addr,
		timeout: timeout,
		dialer:  d.DialContext,
	}
}

// Reachable reports whether a connection to the probe address succeeded
// within the timeout.
func (p *NetworkProbe) Reachable(ctx context.Context) bool {
	if p == nil || p.addr == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
