package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/portforward/types"
)

// UDPListener receives datagrams on the rule's bind address and relays them
// to the remote address. Each client address gets its own session with a
// dedicated outbound socket, so replies can be matched to the client they
// belong to. Sessions are closed after UDPIdleTTL without traffic.
type UDPListener struct {
	rule         types.Rule
	logger       *log.Entry
	reapInterval time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
	cancel  context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[netip.AddrPort]*session

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewUDPListener returns an unbound listener for a UDP rule.
func NewUDPListener(rule types.Rule, logger *log.Entry) *UDPListener {
	return &UDPListener{
		rule:         rule,
		logger:       listenerLogger(rule, logger),
		reapInterval: sessionReapInterval,
		sessions:     make(map[netip.AddrPort]*session),
		done:         make(chan struct{}),
	}
}

func (l *UDPListener) Rule() types.Rule { return l.rule }

func (l *UDPListener) Done() <-chan struct{} { return l.done }

func (l *UDPListener) Matches(bind, remote types.Addr, proto types.Protocol) bool {
	return matches(l.rule, bind, remote, proto)
}

// Bound reports false once the receive loop has stopped, whatever the
// reason.
func (l *UDPListener) Bound() bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.closing
}

func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Sessions returns the number of live sessions.
func (l *UDPListener) Sessions() int {
	l.sessionsMu.Lock()
	defer l.sessionsMu.Unlock()
	return len(l.sessions)
}

// Bind opens the receiving socket and starts the receive loop.
func (l *UDPListener) Bind(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return net.ErrClosed
	}
	if l.conn != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, ipNetwork("udp", l.rule.BindAddr.AddrPort), l.rule.BindAddr.AddrPort.String())
	if err != nil {
		return fmt.Errorf("failed to bind %s/udp: %w", l.rule.BindAddr, err)
	}
	conn := pc.(*net.UDPConn)

	// A socket bound to a specific address already replies from it.
	ipVer := ipNone
	if ip := l.rule.BindAddr.AddrPort.Addr(); ip.IsUnspecified() {
		ipVer = ip6
		if ip.Is4() {
			ipVer = ip4
		}
		if err := enableDstCmsg(conn, ipVer); err != nil {
			l.logger.WithError(err).Warn("Failed to enable destination address control messages")
			ipVer = ipNone
		}
	}
	l.conn = conn

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	listenersActive.WithValues("udp").Inc()
	l.logger.WithField("addr", conn.LocalAddr()).Info("Listening")

	go l.serve(runCtx, conn, ipVer)
	return nil
}

func (l *UDPListener) serve(ctx context.Context, conn *net.UDPConn, ipVer ipVersion) {
	defer close(l.done)

	buf := make([]byte, UDPBufSize)
	oob := newCmsgBuf(ipVer)
	for {
		n, oobn, _, from, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			// The socket is closed by Close; that is not an error.
			if !errors.Is(err, net.ErrClosed) {
				l.logger.WithError(err).Error("Stopping listener")
				conn.Close()
			}
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		l.relay(ctx, conn, from, oob[:oobn], ipVer, buf[:n])
	}
}

// relay forwards b, received from client, through the client's session. A
// session whose socket was closed after the lookup is replaced once.
func (l *UDPListener) relay(ctx context.Context, front *net.UDPConn, client netip.AddrPort, oob []byte, ipVer ipVersion, b []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		s, err := l.session(ctx, front, client, oob, ipVer)
		if err != nil {
			dialFailures.WithValues("udp").Inc()
			l.logger.WithError(err).WithField("client", client).Warn("Failed to open UDP session, dropping datagram")
			return
		}
		err = s.forward(b)
		if err == nil {
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("Failed to forward datagram")
			return
		}
		s.close()
	}
}

// session returns the live session of client, opening a new one if there
// is none.
func (l *UDPListener) session(ctx context.Context, front *net.UDPConn, client netip.AddrPort, oob []byte, ipVer ipVersion) (*session, error) {
	l.sessionsMu.Lock()
	defer l.sessionsMu.Unlock()

	if s, ok := l.sessions[client]; ok && !s.closed() {
		return s, nil
	}

	dst, err := readDestFromCmsg(oob, ipVer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	out, err := net.DialUDP("udp", nil, l.rule.RemoteAddr.UDPAddr())
	if err != nil {
		return nil, err
	}

	s := newSession(ctx, client, out, replyCmsg(dst, ipVer), l.logger)
	l.sessions[client] = s
	sessionsActive.Inc()
	s.logger.Debug("Opened UDP session")

	go s.replyLoop(front)
	go s.reap(l.rule.UDPIdleTTL, l.reapInterval, l.removeSession)
	return s, nil
}

func (l *UDPListener) removeSession(s *session) {
	l.sessionsMu.Lock()
	defer l.sessionsMu.Unlock()
	if l.sessions[s.client] == s {
		delete(l.sessions, s.client)
	}
	sessionsActive.Dec()
}

// Close closes the receiving socket and waits for the receive loop to
// exit. Sessions are not drained: their outbound sockets are closed in the
// background by their reapers.
func (l *UDPListener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		conn := l.conn
		l.mu.Unlock()

		if conn == nil {
			close(l.done)
			return
		}
		l.logger.Info("Closing listener")
		l.cancel()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.closeErr = err
		}
		listenersActive.WithValues("udp").Dec()
	})

	select {
	case <-l.done:
		return l.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
