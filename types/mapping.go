package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// PortMapping maps a port on the local host to a port on the remote host.
type PortMapping struct {
	Proto     Protocol
	HostPort  int
	GuestPort int
}

// String returns the mapping in the form "host:guest/proto".
func (m PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", m.HostPort, m.GuestPort, m.Proto)
}

var portMappingRe = regexp.MustCompile(`(?P<host>\d+)(:(?P<guest>\d+)(/(?P<proto>tcp|udp|both))?)?`)

// ParsePortMapping parses "<hostPort>[:<guestPort>[/(tcp|udp|both)]]".
//
// Parsing never fails: the guest port defaults to the host port, the
// protocol defaults to tcp, and a number that does not fit an int is read
// as 0. The first match anywhere in s is used.
func ParsePortMapping(s string) PortMapping {
	m := PortMapping{Proto: TCP}
	match := portMappingRe.FindStringSubmatch(s)
	if match == nil {
		return m
	}
	m.HostPort = atoi(match[portMappingRe.SubexpIndex("host")])
	if guest := match[portMappingRe.SubexpIndex("guest")]; guest != "" {
		m.GuestPort = atoi(guest)
	} else {
		m.GuestPort = m.HostPort
	}
	if p := ParseProtocol(match[portMappingRe.SubexpIndex("proto")]); p != 0 {
		m.Proto = p
	}
	return m
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// PortMappings is a list of port mappings. It implements pflag.Value so it
// can back a repeatable command-line flag.
type PortMappings []PortMapping

func (p *PortMappings) String() string {
	s := make([]string, 0, len(*p))
	for _, m := range *p {
		s = append(s, m.String())
	}
	return "[" + strings.Join(s, ",") + "]"
}

// Set appends the mapping parsed from value.
func (p *PortMappings) Set(value string) error {
	*p = append(*p, ParsePortMapping(value))
	return nil
}

// Type returns the type name shown in flag usage.
func (p *PortMappings) Type() string {
	return "mapping"
}

var _ pflag.Value = (*PortMappings)(nil)
