// Package proxy implements the listeners that forward traffic for a single
// rule: a TCP listener that glues every accepted connection to a freshly
// dialed one, and a UDP listener that keeps one outbound socket per client.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/containerd/log"
	"github.com/moby/portforward/types"
)

// Listener forwards the traffic of one rule. Listeners are created unbound;
// Bind opens the local socket and starts forwarding, Close stops it.
type Listener interface {
	// Rule returns the rule the listener forwards.
	Rule() types.Rule
	// Bind opens the listening socket and starts the accept or receive
	// loop. Calling Bind on a bound listener is a no-op.
	Bind(ctx context.Context) error
	// Close stops forwarding and waits for the loop to exit, or for ctx to
	// be done. Closing an unbound listener succeeds immediately. Only the
	// first call closes the socket; later calls return the same result.
	Close(ctx context.Context) error
	// Bound reports whether the listener is bound and not closed.
	Bound() bool
	// LocalAddr returns the address of the bound socket, or nil.
	LocalAddr() net.Addr
	// Done is closed once the listener has stopped forwarding.
	Done() <-chan struct{}
	// Matches reports whether the listener forwards bind to remote with a
	// protocol overlapping proto.
	Matches(bind, remote types.Addr, proto types.Protocol) bool
}

// New returns an unbound listener for rule, which must not be a Both rule.
func New(rule types.Rule, logger *log.Entry) (Listener, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.UDPIdleTTL <= 0 {
		rule.UDPIdleTTL = types.DefaultUDPIdleTTL
	}
	switch rule.Proto {
	case types.TCP:
		return NewTCPListener(rule, logger), nil
	case types.UDP:
		return NewUDPListener(rule, logger), nil
	default:
		return nil, fmt.Errorf("cannot create a single listener for protocol %s", rule.Proto)
	}
}

func listenerLogger(rule types.Rule, logger *log.Entry) *log.Entry {
	if logger == nil {
		logger = log.L
	}
	return logger.WithFields(log.Fields{
		"proto":  rule.Proto,
		"bind":   rule.BindAddr,
		"remote": rule.RemoteAddr,
	})
}

// ipNetwork returns the family-specific network for listening on ap, so that
// a wildcard IPv4 bind does not produce a dual-stack socket.
func ipNetwork(base string, ap netip.AddrPort) string {
	if ap.Addr().Is4() {
		return base + "4"
	}
	return base + "6"
}

func matches(rule types.Rule, bind, remote types.Addr, proto types.Protocol) bool {
	return rule.BindAddr == bind && rule.RemoteAddr == remote && rule.Proto.Matches(proto)
}
