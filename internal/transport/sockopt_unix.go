//go:build unix

// ABOUTME: Bind-time socket options for unix platforms
// ABOUTME: SO_REUSEADDR lets several receivers share a multicast port
package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(opts Options) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if opts.ReuseAddr {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
			}
			if opts.Broadcast {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
