package proxy

import (
	"errors"
	"net"
)

func listenUnix(string) (net.Listener, error) {
	return nil, errors.New("unix socket listeners are not supported on windows")
}
