package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/moby/portforward/types"
)

// TCPListener accepts connections on the rule's bind address and relays
// each of them to a new connection to the remote address.
type TCPListener struct {
	rule   types.Rule
	logger *log.Entry
	dialer net.Dialer

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	cancel   context.CancelFunc

	conns     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewTCPListener returns an unbound listener for a TCP rule.
func NewTCPListener(rule types.Rule, logger *log.Entry) *TCPListener {
	return &TCPListener{
		rule:   rule,
		logger: listenerLogger(rule, logger),
		done:   make(chan struct{}),
	}
}

func (l *TCPListener) Rule() types.Rule { return l.rule }

func (l *TCPListener) Done() <-chan struct{} { return l.done }

func (l *TCPListener) Matches(bind, remote types.Addr, proto types.Protocol) bool {
	return matches(l.rule, bind, remote, proto)
}

// Bound reports false once the accept loop has stopped, whatever the reason.
func (l *TCPListener) Bound() bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener != nil && !l.closing
}

func (l *TCPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Bind opens the listening socket with address reuse enabled and starts
// accepting connections.
func (l *TCPListener) Bind(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return net.ErrClosed
	}
	if l.listener != nil {
		return nil
	}

	ln, err := listenStream(ctx, l.rule.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s/tcp: %w", l.rule.BindAddr, err)
	}
	l.listener = ln

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	listenersActive.WithValues("tcp").Inc()
	l.logger.WithField("addr", ln.Addr()).Info("Listening")

	go l.serve(runCtx, ln)
	return nil
}

func listenStream(ctx context.Context, addr types.Addr) (net.Listener, error) {
	if addr.IsUnix() {
		return listenUnix(addr.Path)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, ipNetwork("tcp", addr.AddrPort), addr.AddrPort.String())
}

func (l *TCPListener) serve(ctx context.Context, ln net.Listener) {
	defer close(l.done)
	defer l.conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// The listener is closed by Close; that is not an error.
			if !errors.Is(err, net.ErrClosed) {
				l.logger.WithError(err).Error("Stopping listener")
				ln.Close()
			}
			return
		}
		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.forward(ctx, conn)
		}()
	}
}

// forward makes a single attempt to reach the remote address for inbound
// and glues the two connections together.
func (l *TCPListener) forward(ctx context.Context, inbound net.Conn) {
	logger := l.logger.WithField("client", inbound.RemoteAddr())
	connectionsTotal.Inc()

	remote := l.rule.RemoteAddr
	target := remote.Path
	if !remote.IsUnix() {
		target = remote.AddrPort.String()
	}
	outbound, err := l.dialer.DialContext(ctx, remote.Network(types.TCP), target)
	if err != nil {
		dialFailures.WithValues("tcp").Inc()
		logger.WithError(err).Warn("Failed to connect to remote, closing connection")
		inbound.Close()
		return
	}
	logger.Debug("Forwarding connection")

	sent, received := glue(ctx, inbound, outbound)
	bytesRelayed.WithValues("tcp", "outbound").Inc(float64(sent))
	bytesRelayed.WithValues("tcp", "inbound").Inc(float64(received))
	logger.WithFields(log.Fields{
		"sent":     units.HumanSize(float64(sent)),
		"received": units.HumanSize(float64(received)),
	}).Debug("Connection closed")
}

// Close closes the listening socket, cancels every forwarded connection and
// waits until they are all gone.
func (l *TCPListener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		ln := l.listener
		l.mu.Unlock()

		if ln == nil {
			close(l.done)
			return
		}
		l.logger.Info("Closing listener")
		l.cancel()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.closeErr = err
		}
		listenersActive.WithValues("tcp").Dec()
	})

	select {
	case <-l.done:
		return l.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
