package proxy

import "syscall"

// SO_REUSEADDR on Windows allows stealing a bound port, so it is left unset.
func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
