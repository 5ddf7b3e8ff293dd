package types

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var cmpAddrPort = cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })

func TestParseProtocol(t *testing.T) {
	assert.Check(t, is.Equal(ParseProtocol("tcp"), TCP))
	assert.Check(t, is.Equal(ParseProtocol("UDP"), UDP))
	assert.Check(t, is.Equal(ParseProtocol("both"), Both))
	assert.Check(t, is.Equal(ParseProtocol("sctp"), Protocol(0)))
	assert.Check(t, !Protocol(0).Valid())
}

func TestAddrString(t *testing.T) {
	v4 := IPAddr(netip.MustParseAddr("127.0.0.1"), 80)
	mapped := IPAddr(netip.MustParseAddr("::ffff:127.0.0.1"), 80)
	v6 := IPAddr(netip.IPv6Loopback(), 8080)
	unix := UnixAddr("/tmp/echo.sock")

	assert.Check(t, is.Equal(v4.String(), "127.0.0.1:80"))
	assert.Check(t, is.Equal(v6.String(), "[::1]:8080"))
	assert.Check(t, is.Equal(unix.String(), "unix:///tmp/echo.sock"))
	assert.Check(t, v4 == mapped, "mapped address should compare equal to its IPv4 form")

	assert.Check(t, is.Equal(v4.Network(TCP), "tcp"))
	assert.Check(t, is.Equal(v6.Network(UDP), "udp"))
	assert.Check(t, is.Equal(unix.Network(TCP), "unix"))
	assert.Check(t, is.Equal(unix.Network(UDP), "unixgram"))
	assert.Check(t, !Addr{}.IsValid())
}

func TestAddrFromNet(t *testing.T) {
	a, err := AddrFromNet(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(a, IPAddr(netip.MustParseAddr("127.0.0.1"), 9999)))

	a, err = AddrFromNet(&net.UnixAddr{Name: "/run/x.sock", Net: "unix"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(a, UnixAddr("/run/x.sock")))

	_, err = AddrFromNet(&net.IPAddr{IP: net.IPv4zero})
	assert.Check(t, is.ErrorContains(err, "unsupported address type"))
}

func TestRuleExpand(t *testing.T) {
	bind := IPAddr(netip.MustParseAddr("0.0.0.0"), 80)
	remote := IPAddr(netip.MustParseAddr("10.0.0.2"), 8080)

	rules := Rule{Proto: Both, BindAddr: bind, RemoteAddr: remote}.Expand()
	assert.Check(t, is.DeepEqual(rules, []Rule{
		{Proto: TCP, BindAddr: bind, RemoteAddr: remote, UDPIdleTTL: DefaultUDPIdleTTL},
		{Proto: UDP, BindAddr: bind, RemoteAddr: remote, UDPIdleTTL: DefaultUDPIdleTTL},
	}, cmpAddrPort))

	rules = Rule{Proto: UDP, BindAddr: bind, RemoteAddr: remote, UDPIdleTTL: time.Minute}.Expand()
	assert.Assert(t, is.Len(rules, 1))
	assert.Check(t, is.Equal(rules[0].UDPIdleTTL, time.Minute))
}

func TestRuleDuplicates(t *testing.T) {
	bind := IPAddr(netip.MustParseAddr("0.0.0.0"), 80)
	other := IPAddr(netip.MustParseAddr("0.0.0.0"), 81)
	remote := IPAddr(netip.MustParseAddr("10.0.0.2"), 8080)

	testcases := []struct {
		name string
		a, b Rule
		dup  bool
	}{
		{
			name: "same proto",
			a:    Rule{Proto: TCP, BindAddr: bind, RemoteAddr: remote},
			b:    Rule{Proto: TCP, BindAddr: bind, RemoteAddr: remote},
			dup:  true,
		},
		{
			name: "different proto",
			a:    Rule{Proto: TCP, BindAddr: bind, RemoteAddr: remote},
			b:    Rule{Proto: UDP, BindAddr: bind, RemoteAddr: remote},
		},
		{
			name: "both matches udp",
			a:    Rule{Proto: Both, BindAddr: bind, RemoteAddr: remote},
			b:    Rule{Proto: UDP, BindAddr: bind, RemoteAddr: remote},
			dup:  true,
		},
		{
			name: "different bind",
			a:    Rule{Proto: TCP, BindAddr: bind, RemoteAddr: remote},
			b:    Rule{Proto: TCP, BindAddr: other, RemoteAddr: remote},
		},
		{
			name: "ttl is ignored",
			a:    Rule{Proto: UDP, BindAddr: bind, RemoteAddr: remote, UDPIdleTTL: time.Second},
			b:    Rule{Proto: UDP, BindAddr: bind, RemoteAddr: remote, UDPIdleTTL: time.Hour},
			dup:  true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Check(t, is.Equal(tc.a.Duplicates(tc.b), tc.dup))
			assert.Check(t, is.Equal(tc.b.Duplicates(tc.a), tc.dup))
		})
	}
}

func TestRuleValidate(t *testing.T) {
	remote := IPAddr(netip.MustParseAddr("10.0.0.2"), 8080)

	err := Rule{Proto: UDP, BindAddr: UnixAddr("/tmp/a.sock"), RemoteAddr: remote}.Validate()
	assert.Check(t, is.ErrorContains(err, "only supported for tcp"))

	err = Rule{Proto: Protocol(9), BindAddr: remote, RemoteAddr: remote}.Validate()
	assert.Check(t, is.ErrorContains(err, "invalid transport protocol"))

	err = Rule{Proto: TCP, BindAddr: UnixAddr("/tmp/a.sock"), RemoteAddr: remote}.Validate()
	assert.NilError(t, err)
}
