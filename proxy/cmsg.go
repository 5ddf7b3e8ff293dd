package proxy

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type ipVersion uint8

const (
	ipNone ipVersion = iota
	ip4
	ip6
)

// enableDstCmsg asks the kernel to report the destination address of every
// datagram received on conn, so replies can be sent from that address when
// conn is bound to a wildcard address.
func enableDstCmsg(conn *net.UDPConn, ipVer ipVersion) error {
	if ipVer == ip4 {
		return ipv4.NewPacketConn(conn).SetControlMessage(ipv4.FlagDst, true)
	}
	return ipv6.NewPacketConn(conn).SetControlMessage(ipv6.FlagDst, true)
}

func newCmsgBuf(ipVer ipVersion) []byte {
	switch ipVer {
	case ip4:
		return ipv4.NewControlMessage(ipv4.FlagDst)
	case ip6:
		return ipv6.NewControlMessage(ipv6.FlagDst)
	default:
		return nil
	}
}

func readDestFromCmsg(oob []byte, ipVer ipVersion) (_ net.IP, err error) {
	defer func() {
		// A socket without IP_PKTINFO produces an all-0 control message
		// which Parse reports as an 'invalid header length' error. Ignore
		// it: the kernel will pick a source address for replies.
		if err != nil && err.Error() == "invalid header length" {
			err = nil
		}
	}()

	switch ipVer {
	case ip4:
		cm := &ipv4.ControlMessage{}
		if err := cm.Parse(oob); err != nil {
			return nil, err
		}
		return cm.Dst, nil
	case ip6:
		cm := &ipv6.ControlMessage{}
		if err := cm.Parse(oob); err != nil {
			return nil, err
		}
		return cm.Dst, nil
	default:
		return nil, nil
	}
}

// replyCmsg returns the control message that makes a reply leave from src.
func replyCmsg(src net.IP, ipVer ipVersion) []byte {
	if src == nil {
		return nil
	}
	switch ipVer {
	case ip4:
		return (&ipv4.ControlMessage{Src: src}).Marshal()
	case ip6:
		return (&ipv6.ControlMessage{Src: src}).Marshal()
	default:
		return nil
	}
}
