package network

import (
	"fmt"
	"net"
	"syscall"
	"time"
)

// Endpoint is the socket abstraction the transmission driver writes to.
// Writes never block for long: a full send buffer is reported as an error
// and the driver decides whether to WaitSend and retry.
type Endpoint interface {
	// Send writes p to a connected socket and returns the bytes accepted.
	Send(p []byte) (int, error)

	// SendTo writes one datagram to addr.
	SendTo(p []byte, addr net.Addr) (int, error)

	// WaitSend blocks until the socket is writable or a short timeout expires.
	WaitSend()

	// SendErrorReason classifies the outcome of a write of sent out of
	// total bytes.
	SendErrorReason(err error, sent, total int) Reason
}

// SocketEndpoint adapts a *net.TCPConn or *net.UDPConn.
type SocketEndpoint struct {
	conn        net.Conn
	raw         syscall.RawConn
	waitTimeout time.Duration
}

// NewSocketEndpoint wraps conn. waitTimeout bounds WaitSend.
func NewSocketEndpoint(conn net.Conn, waitTimeout time.Duration) (*SocketEndpoint, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection %T exposes no raw socket", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to access raw socket: %w", err)
	}
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Millisecond
	}
	return &SocketEndpoint{conn: conn, raw: raw, waitTimeout: waitTimeout}, nil
}

// Send writes to the connected socket without blocking.
func (e *SocketEndpoint) Send(p []byte) (int, error) {
	return e.write(p)
}

// SendTo writes a datagram to addr. A nil addr writes to the connected peer.
func (e *SocketEndpoint) SendTo(p []byte, addr net.Addr) (int, error) {
	pc, ok := e.conn.(net.PacketConn)
	if !ok || addr == nil {
		return e.write(p)
	}
	return pc.WriteTo(p, addr)
}

// SendErrorReason classifies a write result.
func (e *SocketEndpoint) SendErrorReason(err error, sent, total int) Reason {
	return ClassifySendError(err, sent, total)
}

// Conn returns the wrapped connection.
func (e *SocketEndpoint) Conn() net.Conn {
	return e.conn
}
