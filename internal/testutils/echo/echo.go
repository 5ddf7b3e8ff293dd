// Package echo provides TCP, unix and UDP echo servers for tests.
package echo

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

type Server interface {
	Run()
	Close()
	LocalAddr() net.Addr
}

type Options struct {
	// TCPHalfClose makes the stream server read until EOF before echoing
	// and half-close its side afterwards.
	TCPHalfClose bool
}

// NewServer starts listening on address. Run must be called to serve.
func NewServer(t *testing.T, network, address string, opts Options) Server {
	t.Helper()
	switch {
	case strings.HasPrefix(network, "tcp"), network == "unix":
		listener, err := net.Listen(network, address)
		if err != nil {
			t.Fatal(err)
		}
		return &StreamServer{listener: listener, t: t, opts: opts}
	case strings.HasPrefix(network, "udp"):
		if opts.TCPHalfClose {
			t.Fatalf("TCPHalfClose is not supported for %s", network)
		}
		return NewUDPServer(t, network, address)
	default:
		t.Fatalf("unknown network: %s", network)
		return nil
	}
}

type StreamServer struct {
	listener net.Listener
	t        *testing.T
	opts     Options
}

func (s *StreamServer) Run() {
	go func() {
		for {
			client, err := s.listener.Accept()
			if err != nil {
				return
			}
			go s.serve(client)
		}
	}()
}

func (s *StreamServer) serve(client net.Conn) {
	defer client.Close()
	if !s.opts.TCPHalfClose {
		if _, err := io.Copy(client, client); err != nil {
			s.t.Logf("can't echo to the client: %v", err)
		}
		return
	}
	data, err := io.ReadAll(client)
	if err != nil {
		s.t.Logf("io.ReadAll() failed for the client: %v", err)
	}
	if _, err := client.Write(data); err != nil {
		s.t.Logf("can't echo to the client: %v", err)
	}
	if cw, ok := client.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func (s *StreamServer) LocalAddr() net.Addr { return s.listener.Addr() }
func (s *StreamServer) Close()              { s.listener.Close() }

// UDPServer echoes datagrams and records the address of every sender.
type UDPServer struct {
	conn net.PacketConn

	mu    sync.Mutex
	peers []string
}

func NewUDPServer(t *testing.T, network, address string) *UDPServer {
	t.Helper()
	conn, err := net.ListenPacket(network, address)
	if err != nil {
		t.Fatal(err)
	}
	return &UDPServer{conn: conn}
}

func (s *UDPServer) Run() {
	go func() {
		readBuf := make([]byte, 1024)
		for {
			read, from, err := s.conn.ReadFrom(readBuf)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.peers = append(s.peers, from.String())
			s.mu.Unlock()
			for i := 0; i != read; {
				written, err := s.conn.WriteTo(readBuf[i:read], from)
				if err != nil {
					break
				}
				i += written
			}
		}
	}()
}

// Peers returns the source address of every datagram received so far.
func (s *UDPServer) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.peers...)
}

func (s *UDPServer) LocalAddr() net.Addr { return s.conn.LocalAddr() }
func (s *UDPServer) Close()              { s.conn.Close() }
