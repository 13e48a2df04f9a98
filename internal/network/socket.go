package network

import "net"

// ListenConfig returns a net.ListenConfig whose sockets allow immediate
// rebinding and use the given send buffer size (0 keeps the OS default).
func ListenConfig(sendBuffer int) net.ListenConfig {
	return net.ListenConfig{Control: socketControl(sendBuffer)}
}

// Dialer returns a net.Dialer applying the same socket options.
func Dialer(sendBuffer int) *net.Dialer {
	return &net.Dialer{Control: socketControl(sendBuffer)}
}
