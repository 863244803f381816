//go:build unix

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl lets a fixed monitor port be rebound right after a
// previous session released it.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
