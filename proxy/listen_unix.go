//go:build !windows

package proxy

import (
	"net"

	"github.com/docker/go-connections/sockets"
)

// listenUnix listens on a unix-domain socket at path, removing a stale
// socket file left there by a previous process.
func listenUnix(path string) (net.Listener, error) {
	return sockets.NewUnixSocketWithOpts(path)
}
