//go:build !unix

package network

import "time"

func (e *SocketEndpoint) write(p []byte) (int, error) {
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.waitTimeout))
	defer e.conn.SetWriteDeadline(time.Time{})
	return e.conn.Write(p)
}

func (e *SocketEndpoint) WaitSend() {
	time.Sleep(e.waitTimeout)
}
