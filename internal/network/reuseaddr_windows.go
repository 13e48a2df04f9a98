//go:build windows

package network

import "syscall"

// socketControl sets SO_REUSEADDR and, when sendBuffer is positive,
// SO_SNDBUF before the socket is bound or connected.
func socketControl(sendBuffer int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			if sendBuffer > 0 {
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, sendBuffer)
			}
		})
	}
}
