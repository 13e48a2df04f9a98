package network_test

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

// writeScript decides the outcome of one write. attempt counts every write
// made for the current packet, starting at 1.
type writeScript func(packet, attempt int, p []byte) (int, error)

// fakeEndpoint records accepted bytes and follows a write script.
type fakeEndpoint struct {
	mu        sync.Mutex
	script    writeScript
	stream    bytes.Buffer
	datagrams [][]byte
	addrs     []net.Addr
	writes    int
	waits     int

	packet  int
	attempt int
	current []byte
}

func (f *fakeEndpoint) write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A write that does not continue the previous unsent tail starts a new packet.
	if f.current == nil || !bytes.HasSuffix(f.current, p) {
		f.packet++
		f.attempt = 0
		f.current = append([]byte(nil), p...)
	}
	f.attempt++
	f.writes++

	n, err := len(p), error(nil)
	if f.script != nil {
		n, err = f.script(f.packet, f.attempt, p)
	}
	f.stream.Write(p[:n])
	if n == len(p) {
		f.current = nil
	}
	return n, err
}

func (f *fakeEndpoint) Send(p []byte) (int, error) {
	return f.write(p)
}

func (f *fakeEndpoint) SendTo(p []byte, addr net.Addr) (int, error) {
	n, err := f.write(p)
	if n == len(p) {
		f.mu.Lock()
		f.datagrams = append(f.datagrams, append([]byte(nil), p...))
		f.addrs = append(f.addrs, addr)
		f.mu.Unlock()
	}
	return n, err
}

func (f *fakeEndpoint) WaitSend() {
	f.mu.Lock()
	f.waits++
	f.mu.Unlock()
}

func (f *fakeEndpoint) SendErrorReason(err error, sent, total int) network.Reason {
	return network.ClassifySendError(err, sent, total)
}

// fakeChannel binds a fake endpoint to a kind.
type fakeChannel struct {
	name string
	kind network.PacketKind
	ep   *fakeEndpoint
	addr net.Addr
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Kind() network.PacketKind { return c.kind }
func (c *fakeChannel) Endpoint() network.Endpoint { return c.ep }
func (c *fakeChannel) RemoteAddr() net.Addr { return c.addr }

var (
	chatMsg = &protocol.MessageDescriptor{ID: 7, Name: "chat", Length: protocol.VariableLength}
	pingMsg = &protocol.MessageDescriptor{ID: 8, Name: "ping", Length: 4}
	moveMsg = &protocol.MessageDescriptor{ID: 9, Name: "move", Length: protocol.VariableLength}
)

func testMessages(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.NewRegistry(*chatMsg, *pingMsg, *moveMsg)
	require.NoError(t, err)
	return reg
}

// smallConfig uses 64 byte packets and private pools.
func smallConfig() network.Config {
	nop := zerolog.Nop()
	return network.Config{
		Logger:            &nop,
		StreamChunkSize:   64,
		DatagramChunkSize: 64,
		Stats:             network.NewStats(),
		Pools:             network.NewPools(64, 64),
	}
}

func concat(packets []*network.Packet) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p.Bytes()...)
	}
	return out
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// wireBytes returns every byte held by the bundle, current packet included.
func wireBytes(b *network.Bundle) []byte {
	out := concat(b.Packets())
	if p := b.CurrentPacket(); p != nil {
		out = append(out, p.Bytes()...)
	}
	return out
}
