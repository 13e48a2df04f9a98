//go:build unix

package network

import (
	"syscall"
	"time"
)

func (e *SocketEndpoint) write(p []byte) (int, error) {
	var n int
	var opErr error
	err := e.raw.Write(func(fd uintptr) bool {
		for {
			n, opErr = syscall.Write(int(fd), p)
			if opErr != syscall.EINTR {
				return true
			}
		}
	})
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, err
	}
	return n, opErr
}

// WaitSend parks on the runtime poller until the socket becomes writable,
// for at most the wait timeout.
func (e *SocketEndpoint) WaitSend() {
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.waitTimeout))
	defer e.conn.SetWriteDeadline(time.Time{})

	polled := false
	_ = e.raw.Write(func(uintptr) bool {
		if polled {
			return true
		}
		polled = true
		return false
	})
}
