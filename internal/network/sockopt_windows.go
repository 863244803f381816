//go:build windows

package network

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl lets a fixed monitor port be rebound right after a
// previous session released it.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
