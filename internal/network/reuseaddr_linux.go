//go:build linux

package network

import "syscall"

// socketControl sets SO_REUSEADDR and, when sendBuffer is positive,
// SO_SNDBUF before the socket is bound or connected.
func socketControl(sendBuffer int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			if opErr == nil && sendBuffer > 0 {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, sendBuffer)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
