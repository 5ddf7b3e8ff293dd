// Package forwarder manages a set of port forwarding rules. A Registry owns
// one listener per rule, lets rules be added and removed while it runs, and
// shuts all of them down in a single pass however many callers ask for it.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/portforward/proxy"
	"github.com/moby/portforward/resolve"
	"github.com/moby/portforward/types"
	"golang.org/x/sync/errgroup"
)

// DefaultBindAddress is the address listeners bind to when no bind
// addresses are configured.
const DefaultBindAddress = "127.0.0.1"

type runState uint8

const (
	stateRunning runState = iota
	stateClosing
	stateClosed
)

type listenerFunc func(types.Rule, *log.Entry) (proxy.Listener, error)

// Registry forwards a set of rules.
type Registry struct {
	logger        *log.Entry
	resolver      resolve.Resolver
	bindAddresses []string
	udpIdleTTL    time.Duration
	newListener   listenerFunc

	mu        sync.Mutex
	state     runState
	listeners []proxy.Listener
	tracker   *Tracker
	pending   []func(error)
	closeErr  error
}

// Option configures a Registry.
type Option func(*Registry)

// WithBindAddresses sets the local addresses every mapping is bound to.
func WithBindAddresses(addrs ...string) Option {
	return func(r *Registry) {
		r.bindAddresses = addrs
	}
}

// WithUDPIdleTTL sets the idle time after which UDP sessions are evicted.
func WithUDPIdleTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.udpIdleTTL = ttl
	}
}

// WithResolver sets the resolver used for bind addresses and remote hosts.
func WithResolver(res resolve.Resolver) Option {
	return func(r *Registry) {
		r.resolver = res
	}
}

func newRegistry(ctx context.Context, opts []Option) *Registry {
	r := &Registry{
		logger:        log.G(ctx),
		bindAddresses: []string{DefaultBindAddress},
		udpIdleTTL:    types.DefaultUDPIdleTTL,
		newListener:   proxy.New,
	}
	for _, o := range opts {
		o(r)
	}
	if r.resolver == nil {
		r.resolver = resolve.New()
	}
	if len(r.bindAddresses) == 0 {
		r.bindAddresses = []string{DefaultBindAddress}
	}
	if r.udpIdleTTL <= 0 {
		r.udpIdleTTL = types.DefaultUDPIdleTTL
	}
	return r
}

// New returns a Registry forwarding every mapping from each bind address to
// remoteHost. No socket is opened until Bind is called.
func New(ctx context.Context, remoteHost string, mappings []types.PortMapping, opts ...Option) (*Registry, error) {
	r := newRegistry(ctx, opts)
	rules, err := r.resolveMappings(ctx, remoteHost, mappings, r.bindAddresses, r.udpIdleTTL)
	if err != nil {
		return nil, err
	}
	if err := r.init(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromRules returns a Registry forwarding rules, whose addresses are
// already resolved.
func NewFromRules(ctx context.Context, rules []types.Rule, opts ...Option) (*Registry, error) {
	r := newRegistry(ctx, opts)
	expanded, err := r.expandRules(rules)
	if err != nil {
		return nil, err
	}
	if err := r.init(expanded); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init(rules []types.Rule) error {
	if err := checkDuplicates(nil, rules); err != nil {
		return err
	}
	listeners, err := r.createListeners(rules)
	if err != nil {
		return err
	}
	r.listeners = listeners
	return nil
}

func (r *Registry) resolveMappings(ctx context.Context, remoteHost string, mappings []types.PortMapping, bindAddresses []string, ttl time.Duration) ([]types.Rule, error) {
	var rules []types.Rule
	for _, bindAddr := range bindAddresses {
		for _, m := range mappings {
			if !m.Proto.Valid() {
				return nil, fmt.Errorf("%w: mapping %s", ErrUnsupportedProtocol, m)
			}
			bind, err := r.resolver.Resolve(ctx, bindAddr, m.HostPort)
			if err != nil {
				return nil, fmt.Errorf("%w: bind address %q: %w", ErrUnsupportedProtocol, bindAddr, err)
			}
			remote, err := r.resolver.Resolve(ctx, remoteHost, m.GuestPort)
			if err != nil {
				return nil, fmt.Errorf("%w: remote host %q: %w", ErrUnsupportedProtocol, remoteHost, err)
			}
			rules = append(rules, types.Rule{
				Proto:      m.Proto,
				BindAddr:   bind,
				RemoteAddr: remote,
				UDPIdleTTL: ttl,
			})
		}
	}
	return r.expandRules(rules)
}

// expandRules validates rules, fills in the default TTL and splits Both
// rules into their TCP and UDP halves.
func (r *Registry) expandRules(rules []types.Rule) ([]types.Rule, error) {
	var out []types.Rule
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedProtocol, err)
		}
		if rule.UDPIdleTTL <= 0 {
			rule.UDPIdleTTL = r.udpIdleTTL
		}
		out = append(out, rule.Expand()...)
	}
	return out, nil
}

// checkDuplicates returns ErrAlreadyBound if any of rules duplicates an
// existing listener or another rule.
func checkDuplicates(existing []proxy.Listener, rules []types.Rule) error {
	for i, rule := range rules {
		for _, l := range existing {
			if l.Matches(rule.BindAddr, rule.RemoteAddr, rule.Proto) {
				return fmt.Errorf("%w: %s", ErrAlreadyBound, rule)
			}
		}
		for _, prev := range rules[:i] {
			if prev.Duplicates(rule) {
				return fmt.Errorf("%w: %s", ErrAlreadyBound, rule)
			}
		}
	}
	return nil
}

func (r *Registry) createListeners(rules []types.Rule) ([]proxy.Listener, error) {
	listeners := make([]proxy.Listener, 0, len(rules))
	for _, rule := range rules {
		l, err := r.newListener(rule, r.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedProtocol, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// bindAll binds listeners and returns the done channels of those that are
// bound. A listener that fails to bind is logged and skipped.
func (r *Registry) bindAll(ctx context.Context, listeners []proxy.Listener) []<-chan struct{} {
	var handles []<-chan struct{}
	for _, l := range listeners {
		if err := l.Bind(ctx); err != nil {
			r.logger.WithError(err).WithField("rule", l.Rule()).Error("Failed to bind listener")
			continue
		}
		handles = append(handles, l.Done())
	}
	return handles
}

// Bind binds every listener and returns a Tracker that completes once all
// bound listeners have stopped. Listeners that fail to bind are logged and
// left out. Later calls return the same Tracker.
func (r *Registry) Bind(ctx context.Context) (*Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return nil, ErrClosePending
	}
	if r.tracker != nil {
		return r.tracker, nil
	}
	r.tracker = newTracker(r.bindAll(ctx, r.listeners)...)
	return r.tracker, nil
}

// AddMappings forwards mappings from each of bindAddresses to remoteHost,
// using the Registry's bind addresses if none are given and its TTL if ttl
// is not positive. It returns the new listeners.
func (r *Registry) AddMappings(ctx context.Context, remoteHost string, mappings []types.PortMapping, bindAddresses []string, ttl time.Duration) ([]proxy.Listener, error) {
	if len(bindAddresses) == 0 {
		bindAddresses = r.bindAddresses
	}
	if ttl <= 0 {
		ttl = r.udpIdleTTL
	}
	rules, err := r.resolveMappings(ctx, remoteHost, mappings, bindAddresses, ttl)
	if err != nil {
		return nil, err
	}
	return r.add(ctx, rules)
}

// AddRules forwards rules, whose addresses are already resolved. It returns
// the new listeners.
func (r *Registry) AddRules(ctx context.Context, rules []types.Rule) ([]proxy.Listener, error) {
	expanded, err := r.expandRules(rules)
	if err != nil {
		return nil, err
	}
	return r.add(ctx, expanded)
}

func (r *Registry) add(ctx context.Context, rules []types.Rule) ([]proxy.Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return nil, ErrClosePending
	}
	if err := checkDuplicates(r.listeners, rules); err != nil {
		return nil, err
	}
	listeners, err := r.createListeners(rules)
	if err != nil {
		return nil, err
	}

	handles := r.bindAll(ctx, listeners)
	if r.tracker != nil {
		if err := r.tracker.Append(handles...); err != nil {
			for _, l := range listeners {
				if cerr := l.Close(context.WithoutCancel(ctx)); cerr != nil {
					r.logger.WithError(cerr).WithField("rule", l.Rule()).Error("Failed to close listener")
				}
			}
			return nil, err
		}
	}
	r.listeners = append(r.listeners, listeners...)
	return listeners, nil
}

// RemoveRule stops and removes every listener forwarding bind to remote
// with a protocol overlapping proto.
func (r *Registry) RemoveRule(ctx context.Context, bind, remote types.Addr, proto types.Protocol) error {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return ErrClosePending
	}
	var removed []proxy.Listener
	r.listeners = slices.DeleteFunc(r.listeners, func(l proxy.Listener) bool {
		if l.Matches(bind, remote, proto) {
			removed = append(removed, l)
			return true
		}
		return false
	})
	r.mu.Unlock()

	if len(removed) == 0 {
		return fmt.Errorf("%w: %s -> %s/%s", ErrNotFound, bind, remote, proto)
	}
	var errs []error
	for _, l := range removed {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close listener for %s: %w", l.Rule(), err))
		}
	}
	return errors.Join(errs...)
}

// Listeners returns the current listeners.
func (r *Registry) Listeners() []proxy.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.listeners)
}

// ShutdownGracefully closes every listener and calls cb with the result.
// The first call starts the close pass; calls made while it runs are
// queued, and calls made after it finished get the stored result. Every
// callback is called exactly once, possibly before ShutdownGracefully
// returns.
func (r *Registry) ShutdownGracefully(ctx context.Context, cb func(error)) {
	r.mu.Lock()
	switch r.state {
	case stateClosed:
		err := r.closeErr
		r.mu.Unlock()
		cb(err)
		return
	case stateClosing:
		r.pending = append(r.pending, cb)
		r.mu.Unlock()
		return
	}
	r.state = stateClosing
	r.pending = append(r.pending, cb)
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Debug("Shutting down")
	go r.closeAll(context.WithoutCancel(ctx), listeners)
}

func (r *Registry) closeAll(ctx context.Context, listeners []proxy.Listener) {
	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Close(ctx); err != nil {
				return fmt.Errorf("failed to close listener for %s: %w", l.Rule(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	r.mu.Lock()
	r.state = stateClosed
	r.closeErr = err
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err != nil {
		r.logger.WithError(err).Error("Shutdown completed with errors")
	} else {
		r.logger.Debug("Shutdown complete")
	}
	for _, cb := range pending {
		cb(err)
	}
}

// Shutdown closes every listener and waits for the result, or for ctx to be
// done. The close pass continues in the background if ctx is done first.
func (r *Registry) Shutdown(ctx context.Context) error {
	ch := make(chan error, 1)
	r.ShutdownGracefully(ctx, func(err error) {
		ch <- err
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
