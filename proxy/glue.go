package proxy

import (
	"context"
	"io"
	"net"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// glue relays bytes between a and b until both directions have reached EOF,
// either side fails, or ctx is cancelled. EOF on one side is passed on as a
// half-close of the other. Both connections are closed on return.
//
// It returns the number of bytes copied from a to b and from b to a.
func glue(ctx context.Context, a, b net.Conn) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB = pipe(cancel, b, a)
	}()
	go func() {
		defer wg.Done()
		bToA = pipe(cancel, a, b)
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-finished
	return aToB, bToA
}

// pipe copies src to dst. A clean EOF half-closes dst; any error, or a dst
// that cannot be half-closed, cancels the whole glue.
func pipe(cancel context.CancelFunc, dst, src net.Conn) int64 {
	n, err := io.Copy(dst, src)
	if err != nil {
		cancel()
		return n
	}
	cw, ok := dst.(closeWriter)
	if !ok || cw.CloseWrite() != nil {
		cancel()
	}
	return n
}
