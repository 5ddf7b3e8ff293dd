package forwarder

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func isDone(t *Tracker) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func waitDone(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NilError(t, tr.WaitContext(ctx))
}

func TestTrackerEmpty(t *testing.T) {
	tr := newTracker()
	assert.Check(t, isDone(tr))
	tr.Wait()
	assert.Check(t, is.ErrorIs(tr.Append(make(chan struct{})), ErrClosePending))
}

func TestTracker(t *testing.T) {
	a, b := make(chan struct{}), make(chan struct{})
	tr := newTracker(a, b)

	close(a)
	time.Sleep(10 * time.Millisecond)
	assert.Check(t, !isDone(tr))

	c := make(chan struct{})
	assert.NilError(t, tr.Append(c))
	close(b)
	time.Sleep(10 * time.Millisecond)
	assert.Check(t, !isDone(tr), "an appended handle keeps the tracker pending")

	close(c)
	waitDone(t, tr)
	assert.Check(t, is.ErrorIs(tr.Append(make(chan struct{})), ErrClosePending))
}

func TestTrackerWaitContext(t *testing.T) {
	tr := newTracker(make(chan struct{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Check(t, is.ErrorIs(tr.WaitContext(ctx), context.DeadlineExceeded))
}

func TestTrackerManyHandles(t *testing.T) {
	handles := make([]chan struct{}, 100)
	ro := make([]<-chan struct{}, len(handles))
	for i := range handles {
		handles[i] = make(chan struct{})
		ro[i] = handles[i]
	}
	tr := newTracker(ro...)
	for _, h := range handles {
		go close(h)
	}
	waitDone(t, tr)
}
