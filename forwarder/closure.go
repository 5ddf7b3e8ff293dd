package forwarder

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker completes once every listener it watches has stopped. Listeners
// can be added while it is pending; once it has completed it stays
// completed.
type Tracker struct {
	pending atomic.Int64

	mu        sync.Mutex
	finalized bool
	done      chan struct{}
}

// newTracker returns a Tracker over handles. A Tracker without handles is
// complete from the start.
func newTracker(handles ...<-chan struct{}) *Tracker {
	t := &Tracker{done: make(chan struct{})}
	if len(handles) == 0 {
		t.finalized = true
		close(t.done)
		return t
	}
	t.pending.Add(int64(len(handles)))
	for _, h := range handles {
		go t.watch(h)
	}
	return t
}

// Append adds handles to a pending Tracker. It returns ErrClosePending if
// the Tracker has already completed.
func (t *Tracker) Append(handles ...<-chan struct{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrClosePending
	}
	t.pending.Add(int64(len(handles)))
	for _, h := range handles {
		go t.watch(h)
	}
	return nil
}

func (t *Tracker) watch(h <-chan struct{}) {
	<-h
	if t.pending.Add(-1) != 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// Append may have raced with the last handle.
	if t.pending.Load() == 0 && !t.finalized {
		t.finalized = true
		close(t.done)
	}
}

// Done returns a channel that is closed once the Tracker completes.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the Tracker completes.
func (t *Tracker) Wait() {
	<-t.done
}

// WaitContext blocks until the Tracker completes or ctx is done.
func (t *Tracker) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
