// Package types contains the value types shared by the port-forward
// packages: protocols, transport addresses, port mappings and rules.
package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// DefaultUDPIdleTTL is the idle time after which a UDP session is evicted
// when a rule does not specify its own TTL.
const DefaultUDPIdleTTL = 5 * time.Second

// Protocol is the transport protocol of a rule.
type Protocol uint8

const (
	TCP  Protocol = 1 // TCP (Transmission Control Protocol)
	UDP  Protocol = 2 // UDP (User Datagram Protocol)
	Both Protocol = 3 // TCP and UDP on the same pair of addresses.
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case Both:
		return "both"
	default:
		return strconv.Itoa(int(p))
	}
}

// Valid reports whether p is one of TCP, UDP or Both.
func (p Protocol) Valid() bool {
	return p == TCP || p == UDP || p == Both
}

// Matches reports whether p and o overlap, treating Both as a wildcard.
func (p Protocol) Matches(o Protocol) bool {
	return p == o || p == Both || o == Both
}

// ParseProtocol returns the respective Protocol type for the passed string,
// or 0 if the string is not a known protocol.
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP
	case "udp":
		return UDP
	case "both":
		return Both
	default:
		return 0
	}
}

// Addr is a transport address: either an IP address and port, or the path
// of a unix-domain socket. The zero value is not a valid address.
type Addr struct {
	AddrPort netip.AddrPort
	Path     string
}

// IPAddr returns an Addr for ip and port. IPv4-mapped IPv6 addresses are
// unmapped so that equal endpoints compare equal.
func IPAddr(ip netip.Addr, port uint16) Addr {
	return Addr{AddrPort: netip.AddrPortFrom(ip.Unmap(), port)}
}

// UnixAddr returns an Addr for a unix-domain socket path.
func UnixAddr(path string) Addr {
	return Addr{Path: path}
}

// AddrFromNet converts a *net.TCPAddr, *net.UDPAddr or *net.UnixAddr.
func AddrFromNet(a net.Addr) (Addr, error) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return Addr{AddrPort: unmapPort(a.AddrPort())}, nil
	case *net.UDPAddr:
		return Addr{AddrPort: unmapPort(a.AddrPort())}, nil
	case *net.UnixAddr:
		return UnixAddr(a.Name), nil
	default:
		return Addr{}, fmt.Errorf("unsupported address type %T", a)
	}
}

func unmapPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// IsUnix reports whether a is a unix-domain socket address.
func (a Addr) IsUnix() bool {
	return a.Path != ""
}

// IsValid reports whether a holds either a valid IP address or a path.
func (a Addr) IsValid() bool {
	return a.IsUnix() || a.AddrPort.IsValid()
}

// Network returns the network name to pass to the net package for proto.
func (a Addr) Network(proto Protocol) string {
	if a.IsUnix() {
		if proto == UDP {
			return "unixgram"
		}
		return "unix"
	}
	if proto == UDP {
		return "udp"
	}
	return "tcp"
}

// TCPAddr returns a as a *net.TCPAddr. It panics if a is a unix address.
func (a Addr) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(a.AddrPort)
}

// UDPAddr returns a as a *net.UDPAddr. It panics if a is a unix address.
func (a Addr) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.AddrPort)
}

// String returns "ip:port", "[ip6]:port" or "unix:///path".
func (a Addr) String() string {
	if a.IsUnix() {
		return "unix://" + a.Path
	}
	return a.AddrPort.String()
}

// Rule is a forwarding rule: traffic of protocol Proto arriving at BindAddr
// is relayed to RemoteAddr. A Rule is immutable once created.
type Rule struct {
	Proto      Protocol
	BindAddr   Addr
	RemoteAddr Addr
	// UDPIdleTTL is the idle time after which a UDP session is evicted.
	UDPIdleTTL time.Duration
}

// Expand returns the rules r stands for: Both becomes one TCP and one UDP
// rule sharing the same addresses.
func (r Rule) Expand() []Rule {
	if r.UDPIdleTTL <= 0 {
		r.UDPIdleTTL = DefaultUDPIdleTTL
	}
	if r.Proto != Both {
		return []Rule{r}
	}
	tcp, udp := r, r
	tcp.Proto = TCP
	udp.Proto = UDP
	return []Rule{tcp, udp}
}

// Duplicates reports whether r and o forward the same bind address to the
// same remote address with an overlapping protocol.
func (r Rule) Duplicates(o Rule) bool {
	return r.BindAddr == o.BindAddr && r.RemoteAddr == o.RemoteAddr && r.Proto.Matches(o.Proto)
}

// Validate checks that r can be turned into a listener.
func (r Rule) Validate() error {
	if !r.Proto.Valid() {
		return fmt.Errorf("invalid transport protocol: %s", r.Proto)
	}
	if !r.BindAddr.IsValid() || !r.RemoteAddr.IsValid() {
		return fmt.Errorf("invalid address in rule %s", r)
	}
	if r.Proto != TCP && (r.BindAddr.IsUnix() || r.RemoteAddr.IsUnix()) {
		return fmt.Errorf("unix socket addresses are only supported for tcp: %s", r)
	}
	return nil
}

// String returns the rule in the form "bind -> remote/proto".
func (r Rule) String() string {
	return r.BindAddr.String() + " -> " + r.RemoteAddr.String() + "/" + r.Proto.String()
}
