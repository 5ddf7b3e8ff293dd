// Package resolve turns host strings into transport addresses.
//
// A host is either an IP literal (optionally in brackets), a DNS name, or a
// unix-domain socket given as "unix:///path" or as a filesystem path.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/portforward/types"
	"resenje.org/singleflight"
)

const unixScheme = "unix://"

// Resolver resolves a host and port into a transport address.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (types.Addr, error)
}

// LookupFunc looks up the IP addresses of a DNS name.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// DNSResolver resolves names with a LookupFunc. Concurrent lookups of the
// same name share a single query.
type DNSResolver struct {
	lookup LookupFunc
	group  singleflight.Group[string, []netip.Addr]
}

// New returns a DNSResolver backed by net.DefaultResolver.
func New() *DNSResolver {
	return NewWithLookup(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	})
}

// NewWithLookup returns a DNSResolver that uses lookup for DNS names.
func NewWithLookup(lookup LookupFunc) *DNSResolver {
	return &DNSResolver{lookup: lookup}
}

// Resolve returns the address of host and port. The port is ignored for
// unix-domain sockets. Of several DNS results, IPv4 addresses are preferred.
func (r *DNSResolver) Resolve(ctx context.Context, host string, port int) (types.Addr, error) {
	if path, ok := UnixPath(host); ok {
		if path == "" {
			return types.Addr{}, fmt.Errorf("empty unix socket path in %q", host)
		}
		return types.UnixAddr(path), nil
	}
	if port < 0 || port > 65535 {
		return types.Addr{}, fmt.Errorf("invalid port %d for host %q", port, host)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return types.Addr{}, fmt.Errorf("empty host")
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return types.IPAddr(ip.WithZone(""), uint16(port)), nil
	}

	ips, shared, err := r.group.Do(ctx, host, func(ctx context.Context) ([]netip.Addr, error) {
		return r.lookup(ctx, host)
	})
	if err != nil {
		return types.Addr{}, fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return types.Addr{}, fmt.Errorf("no addresses found for %q", host)
	}
	ip := pick(ips)
	log.G(ctx).WithFields(log.Fields{
		"host":   host,
		"ip":     ip,
		"shared": shared,
	}).Debug("Resolved host")
	return types.IPAddr(ip, uint16(port)), nil
}

func pick(ips []netip.Addr) netip.Addr {
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip
		}
	}
	return ips[0]
}

// UnixPath reports whether host names a unix-domain socket and returns its
// path.
func UnixPath(host string) (string, bool) {
	if p, ok := strings.CutPrefix(host, unixScheme); ok {
		return p, true
	}
	if strings.Contains(host, "/") {
		return host, true
	}
	return "", false
}
