package types

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

func TestParsePortMapping(t *testing.T) {
	testcases := []struct {
		in       string
		expected PortMapping
		str      string
	}{
		{in: "80", expected: PortMapping{Proto: TCP, HostPort: 80, GuestPort: 80}, str: "80:80/tcp"},
		{in: "80:8080", expected: PortMapping{Proto: TCP, HostPort: 80, GuestPort: 8080}, str: "80:8080/tcp"},
		{in: "80:8080/both", expected: PortMapping{Proto: Both, HostPort: 80, GuestPort: 8080}, str: "80:8080/both"},
		{in: "53:5353/udp", expected: PortMapping{Proto: UDP, HostPort: 53, GuestPort: 5353}, str: "53:5353/udp"},
		{in: "80:8080/sctp", expected: PortMapping{Proto: TCP, HostPort: 80, GuestPort: 8080}, str: "80:8080/tcp"},
		{in: "99999999999999999999:22", expected: PortMapping{Proto: TCP, HostPort: 0, GuestPort: 22}, str: "0:22/tcp"},
		{in: "garbage", expected: PortMapping{Proto: TCP}, str: "0:0/tcp"},
		{in: "port 443:8443/udp", expected: PortMapping{Proto: UDP, HostPort: 443, GuestPort: 8443}, str: "443:8443/udp"},
	}

	for _, tc := range testcases {
		t.Run(tc.in, func(t *testing.T) {
			m := ParsePortMapping(tc.in)
			assert.Check(t, is.Equal(m, tc.expected))
			assert.Check(t, is.Equal(m.String(), tc.str))
		})
	}
}

func TestParsePortMappingRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		host := rapid.IntRange(0, 65535).Draw(t, "host")
		guest := rapid.IntRange(0, 65535).Draw(t, "guest")
		proto := rapid.SampledFrom([]Protocol{TCP, UDP, Both}).Draw(t, "proto")

		m := ParsePortMapping(fmt.Sprintf("%d:%d/%s", host, guest, proto))
		if m != (PortMapping{Proto: proto, HostPort: host, GuestPort: guest}) {
			t.Fatalf("unexpected mapping %v", m)
		}
	})
}

func TestParsePortMappingTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := ParsePortMapping(rapid.String().Draw(t, "input"))
		if !m.Proto.Valid() {
			t.Fatalf("unexpected mapping %v", m)
		}
		if m.HostPort < 0 || m.GuestPort < 0 {
			t.Fatalf("negative port in %v", m)
		}
	})
}

func TestPortMappingsFlag(t *testing.T) {
	var mappings PortMappings
	assert.NilError(t, mappings.Set("80"))
	assert.NilError(t, mappings.Set("53:5353/udp"))
	assert.Check(t, is.DeepEqual([]PortMapping(mappings), []PortMapping{
		{Proto: TCP, HostPort: 80, GuestPort: 80},
		{Proto: UDP, HostPort: 53, GuestPort: 5353},
	}))
	assert.Check(t, is.Equal(mappings.String(), "[80:80/tcp,53:5353/udp]"))
	assert.Check(t, is.Equal(mappings.Type(), "mapping"))
}
