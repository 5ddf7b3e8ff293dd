package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/log"
)

const (
	// UDPBufSize is the buffer size for the UDP proxy
	UDPBufSize = 65507
)

// sessionReapInterval is the period of the idle check that runs once a
// session has been idle for its TTL.
var sessionReapInterval = time.Second

// session is the state kept for one UDP client: a socket connected to the
// remote address, used for this client's traffic only.
type session struct {
	client netip.AddrPort
	conn   *net.UDPConn
	// reply is the control message attached to replies, so that they leave
	// from the address the client sent its datagrams to.
	reply  []byte
	logger *log.Entry

	// lastActivity is a UnixNano timestamp, updated by the receive loop and
	// the reply loop and read by the reaper.
	lastActivity atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(ctx context.Context, client netip.AddrPort, conn *net.UDPConn, reply []byte, logger *log.Entry) *session {
	s := &session{
		client: client,
		conn:   conn,
		reply:  reply,
		logger: logger.WithFields(log.Fields{"client": client, "local": conn.LocalAddr()}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

func (s *session) closed() bool {
	return s.ctx.Err() != nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// forward sends a datagram from the client to the remote address.
func (s *session) forward(b []byte) error {
	if _, err := s.conn.Write(b); err != nil {
		return err
	}
	s.touch()
	datagramsForwarded.WithValues("outbound").Inc()
	bytesRelayed.WithValues("udp", "outbound").Inc(float64(len(b)))
	return nil
}

// replyLoop relays datagrams from the remote address back to the client
// through front, the listener's receiving socket.
func (s *session) replyLoop(front *net.UDPConn) {
	defer s.close()

	buf := make([]byte, UDPBufSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			// ECONNREFUSED is reported when an earlier write found nothing
			// listening on the remote port. Keep the session until the
			// reaper expires it.
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			if !s.closed() && !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Debug("Stopping UDP session")
			}
			return
		}
		s.touch()
		if _, _, err := front.WriteMsgUDPAddrPort(buf[:n], s.reply, s.client); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Warn("Failed to send datagram to client")
			}
			return
		}
		datagramsForwarded.WithValues("inbound").Inc()
		bytesRelayed.WithValues("udp", "inbound").Inc(float64(n))
	}
}

// reap closes the session once it has seen no traffic for ttl. The first
// check happens ttl after the session was created, then every interval.
// remove is called once the session is closed, for whatever reason.
func (s *session) reap(ttl, interval time.Duration, remove func(*session)) {
	defer remove(s)
	defer s.close()

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if idle := s.idle(time.Now()); idle > ttl {
			sessionsEvicted.Inc()
			s.logger.WithField("idle", idle).Debug("Closing idle UDP session")
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
