package forwarder

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrUnsupportedProtocol is returned when a rule cannot be turned into a
	// listener: an unknown protocol, an address that cannot be resolved, or
	// a unix socket used for UDP.
	ErrUnsupportedProtocol = fmt.Errorf("unsupported protocol: %w", errdefs.ErrInvalidArgument)

	// ErrAlreadyBound is returned when a rule duplicates one that is already
	// forwarded.
	ErrAlreadyBound = fmt.Errorf("already bound: %w", errdefs.ErrAlreadyExists)

	// ErrNotFound is returned when no listener matches a rule to remove.
	ErrNotFound = fmt.Errorf("no matching listener: %w", errdefs.ErrNotFound)

	// ErrClosePending is returned by operations on a registry or tracker
	// that is shutting down or done.
	ErrClosePending = fmt.Errorf("close pending: %w", errdefs.ErrFailedPrecondition)
)
