//go:build !unix

package transport

import "syscall"

// Broadcast and address reuse are left at platform defaults
func socketControl(opts Options) func(network, address string, c syscall.RawConn) error {
	return nil
}
