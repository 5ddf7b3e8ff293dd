//go:build !windows

package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr is a net.ListenConfig control function that sets SO_REUSEADDR.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
