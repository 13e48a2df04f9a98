package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/network"
)

type testCLI struct {
	*CLI
	out *bytes.Buffer
}

func newTestCLI(t *testing.T, in io.Reader) *testCLI {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	reg, err := cfg.Registry()
	require.NoError(t, err)

	out := &bytes.Buffer{}
	iface := network.NewNetworkInterface(cfg.Network(network.NewStats()))
	c := NewCLI(cfg, events.NewEventBus(), iface, network.NewChannelRegistry(), reg, in, out)
	return &testCLI{CLI: c, out: out}
}

// openChannel registers a stream channel and returns the peer end.
func (c *testCLI) openChannel(t *testing.T) (*network.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- conn
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	peer := <-accepted
	t.Cleanup(func() { peer.Close() })

	conn, err := network.NewStreamConn(client, c.iface)
	require.NoError(t, err)
	c.channels.Register(conn)
	t.Cleanup(func() { conn.Close() })
	return conn, peer
}

func TestSendAndStats(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t, nil)
	conn, peer := c.openChannel(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "send "+conn.ID()+" chat hello there"))
	require.Contains(t, c.out.String(), "1 packets, 15 bytes, delivered")

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 15)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "hello there", string(buf[4:]))

	c.out.Reset()
	require.NoError(t, c.Execute(ctx, "stats"))
	require.Contains(t, c.out.String(), "chat")
	require.Contains(t, c.out.String(), "15")

	c.out.Reset()
	require.NoError(t, c.Execute(ctx, "channels"))
	require.Contains(t, c.out.String(), conn.ID())

	require.Error(t, c.Execute(ctx, "send "+conn.ID()+" nope"))
	require.Error(t, c.Execute(ctx, "send tcp:none chat"))
	require.Error(t, c.Execute(ctx, "send "+conn.ID()+" position short"))
	require.Error(t, c.Execute(ctx, "send"))
}

func TestBroadcastAndClose(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t, nil)
	first, _ := c.openChannel(t)
	c.openChannel(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "broadcast 1"))
	require.Contains(t, c.out.String(), "Broadcast heartbeat to 2 channels")

	require.NoError(t, c.Execute(ctx, "close "+first.ID()))
	require.True(t, first.IsClosed())
	require.Equal(t, 1, c.channels.Count())
	require.Error(t, c.Execute(ctx, "close "+first.ID()))
}

func TestListings(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "messages"))
	require.Contains(t, c.out.String(), "variable")
	require.Contains(t, c.out.String(), "position")

	c.out.Reset()
	require.NoError(t, c.Execute(ctx, "pools"))
	require.Contains(t, c.out.String(), "stream")

	c.out.Reset()
	require.NoError(t, c.Execute(ctx, "help"))
	require.Contains(t, c.out.String(), "setpacket")

	require.Error(t, c.Execute(ctx, "history"))
	require.Error(t, c.Execute(ctx, "dial 127.0.0.1:1"))

	c.out.Reset()
	require.NoError(t, c.Execute(ctx, "frobnicate"))
	require.Contains(t, c.out.String(), "Unknown command")
}

func TestSetPacket(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "setpacket always_contain_length true"))
	require.True(t, c.cfg.GetPacket().AlwaysContainLength)

	require.Error(t, c.Execute(ctx, "setpacket datagram_chunk_size 3"))
	require.Equal(t, 1472, c.cfg.GetPacket().DatagramChunkSize)

	require.Error(t, c.Execute(ctx, "setpacket missing 1"))

	reloaded, err := config.Load(filepath.Dir(c.cfg.Path()))
	require.NoError(t, err)
	require.True(t, reloaded.GetPacket().AlwaysContainLength)
}

func TestStartRunsCommandsUntilQuit(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t, strings.NewReader("messages\nquit\n"))
	shutdown := make(chan struct{}, 1)
	c.eventBus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	c.Start(context.Background())
	require.Contains(t, c.out.String(), "heartbeat")
	require.Contains(t, c.out.String(), "Shutting down Courier")

	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown event not emitted")
	}
}
