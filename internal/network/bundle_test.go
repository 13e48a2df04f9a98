package network_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

func TestMessageSpansTwoPackets(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(smallConfig(), network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(6, 1), true)
	b.Append(payload(80, 50), false)
	require.Equal(t, 4+6+80, b.CurrentMessageLength())
	b.Finish(true)

	packets := b.Packets()
	require.Len(t, packets, 2)
	require.Equal(t, 64, packets[0].Len())
	require.Equal(t, 26, packets[1].Len())
	require.Nil(t, b.CurrentPacket())

	first := packets[0].Bytes()
	require.Equal(t, uint16(7), binary.BigEndian.Uint16(first[0:2]))
	require.Equal(t, uint16(86), binary.BigEndian.Uint16(first[2:4]))
	require.Equal(t, payload(6, 1), first[4:10])
	require.Equal(t, 90, b.TotalSize())
}

func TestInseparableFieldMovesToNextPacket(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(smallConfig(), network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(55, 0), false)
	b.WriteUint64(0x0102030405060708)
	b.Finish(true)

	packets := b.Packets()
	require.Len(t, packets, 2)
	require.Equal(t, 59, packets[0].Len())
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, packets[1].Bytes())
	require.Equal(t, uint16(63), binary.BigEndian.Uint16(packets[0].Bytes()[2:4]))
}

func TestInseparableLargerThanPacketIsSplit(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(smallConfig(), network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(100, 0), true)
	b.Finish(true)

	var lens []int
	for _, p := range b.Packets() {
		lens = append(lens, p.Len())
	}
	require.Equal(t, []int{4, 64, 36}, lens)
}

func TestMessageHeaderIsNeverSplit(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(smallConfig(), network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(57, 0), false)
	// 61 bytes used: the next 4 byte header goes to a fresh packet.
	b.NewMessage(moveMsg)
	b.Append([]byte("abc"), false)
	b.Finish(true)

	packets := b.Packets()
	require.Len(t, packets, 2)
	require.Equal(t, 61, packets[0].Len())
	require.Equal(t, []byte{0, 9, 0, 3, 'a', 'b', 'c'}, packets[1].Bytes())
}

func TestSplitRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	b := network.NewBundle(cfg, network.StreamPacket)

	sizes := []int{0, 1, 59, 60, 61, 64, 130, 500}
	for i, n := range sizes {
		b.NewMessage(chatMsg)
		b.Append(payload(n, byte(i)), false)
		b.NewMessage(pingMsg)
		b.WriteUint32(uint32(i))
	}
	b.Finish(true)
	require.Equal(t, 2*len(sizes), b.NumMessages())

	for _, p := range b.Packets() {
		require.LessOrEqual(t, p.Len(), cfg.PacketCapacity(network.StreamPacket))
	}

	r := protocol.NewReader(bytes.NewReader(concat(b.Packets())), testMessages(t), protocol.DecoderConfig{})
	for i, n := range sizes {
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "chat", msg.Descriptor.Name)
		require.Equal(t, payload(n, byte(i)), msg.Payload)

		msg, err = r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "ping", msg.Descriptor.Name)
		require.Equal(t, uint32(i), binary.BigEndian.Uint32(msg.Payload))
	}
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}

func TestAlwaysContainLength(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	cfg.AlwaysContainLength = true
	b := network.NewBundle(cfg, network.StreamPacket)
	b.NewMessage(pingMsg)
	b.WriteUint32(42)
	b.Finish(true)

	require.Equal(t, []byte{0, 8, 0, 4, 0, 0, 0, 42}, b.Packets()[0].Bytes())
}

func TestExtendedLength(t *testing.T) {
	t.Parallel()

	for _, n := range []int{protocol.MessageMaxSize - 1, protocol.MessageMaxSize, 70000} {
		b := network.NewBundle(network.Config{Stats: network.NewStats()}, network.StreamPacket)
		body := payload(n, 3)
		b.NewMessage(chatMsg)
		b.Append(body, false)
		b.Finish(true)

		wire := concat(b.Packets())
		require.Equal(t, protocol.HeaderSize(true, n)+n, len(wire), "payload %d", n)

		if n < protocol.MessageMaxSize {
			require.Equal(t, uint16(n), binary.BigEndian.Uint16(wire[2:4]))
		} else {
			require.Equal(t, uint16(0xFFFF), binary.BigEndian.Uint16(wire[2:4]))
			require.Equal(t, uint32(n), binary.BigEndian.Uint32(wire[4:8]))
		}

		r := protocol.NewReader(bytes.NewReader(wire), testMessages(t), protocol.DecoderConfig{})
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, body, msg.Payload)
	}
}

func TestExtendedLengthFollowedByMessage(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(network.Config{}, network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(protocol.MessageMaxSize+5, 0), false)
	b.NewMessage(pingMsg)
	b.WriteUint32(7)
	b.Finish(true)

	r := protocol.NewReader(bytes.NewReader(concat(b.Packets())), testMessages(t), protocol.DecoderConfig{})
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Len(t, msg.Payload, protocol.MessageMaxSize+5)
	msg, err = r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 7}, msg.Payload)
}

func TestFinishWithoutSendIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	b := network.NewBundle(cfg, network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append([]byte("hello"), false)

	b.Finish(false)
	once := append([]byte(nil), b.CurrentPacket().Bytes()...)
	b.Finish(false)
	require.Equal(t, once, b.CurrentPacket().Bytes())
	require.Equal(t, []byte{0, 7, 0, 5, 'h', 'e', 'l', 'l', 'o'}, once)

	b.Finish(true)
	ms, ok := cfg.Stats.Message(chatMsg.ID)
	require.True(t, ok)
	require.Equal(t, uint64(1), ms.SendCount)
	require.Equal(t, uint64(9), ms.SendBytes)
}

func TestFinishWithoutPacketPanics(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(smallConfig(), network.StreamPacket)
	require.Panics(t, func() { b.Finish(false) })

	b.NewMessage(chatMsg)
	b.Finish(true)
	require.Panics(t, func() { b.Finish(true) })
}

func TestMessageAboveMaximumPanics(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	cfg.MaxMessageLength = 100
	b := network.NewBundle(cfg, network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(101, 0), false)
	require.Panics(t, func() { b.Finish(true) })
}

func TestSendTracksEveryMessageOnce(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	b := network.NewBundle(cfg, network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(10, 0), false)
	b.NewMessage(pingMsg)
	b.WriteUint32(1)
	b.NewMessage(moveMsg)

	ep := &fakeEndpoint{}
	res := b.SendStream(ep)
	require.True(t, res.OK())
	require.Equal(t, 24, res.Bytes)

	for _, tc := range []struct {
		desc  *protocol.MessageDescriptor
		bytes uint64
	}{
		{chatMsg, 14},
		{pingMsg, 6},
		{moveMsg, 4},
	} {
		ms, ok := cfg.Stats.Message(tc.desc.ID)
		require.True(t, ok, tc.desc.Name)
		require.Equal(t, uint64(1), ms.SendCount, tc.desc.Name)
		require.Equal(t, tc.bytes, ms.SendBytes, tc.desc.Name)
	}

	snap := cfg.Stats.Snapshot()
	require.Equal(t, uint64(1), snap.PacketsSent)
	require.Equal(t, uint64(24), snap.BytesSent)
	require.Len(t, snap.Messages, 3)
}

func TestTypedWriters(t *testing.T) {
	t.Parallel()

	b := network.NewBundle(network.Config{}, network.StreamPacket)
	b.NewMessage(moveMsg)
	b.WriteInt8(-1)
	b.WriteInt16(-2)
	b.WriteInt32(-3)
	b.WriteInt64(-4)
	b.WriteFloat32(1.5)
	b.WriteFloat64(2.25)
	b.WriteBool(true)
	b.WriteString("hi")
	b.WriteBlob([]byte{0xAA, 0xBB})
	b.Finish(true)

	r := protocol.NewReader(bytes.NewReader(concat(b.Packets())), testMessages(t), protocol.DecoderConfig{})
	msg, err := r.ReadMessage()
	require.NoError(t, err)

	expect := []byte{0xFF, 0xFF, 0xFE}
	expect = binary.BigEndian.AppendUint32(expect, 0xFFFFFFFD)
	expect = binary.BigEndian.AppendUint64(expect, 0xFFFFFFFFFFFFFFFC)
	expect = append(expect, 0x3F, 0xC0, 0, 0)
	expect = append(expect, 0x40, 0x02, 0, 0, 0, 0, 0, 0)
	expect = append(expect, 1, 'h', 'i', 0)
	expect = append(expect, 0, 0, 0, 2, 0xAA, 0xBB)
	require.Equal(t, expect, msg.Payload)
}

func TestBlockCipherAlignedCapacity(t *testing.T) {
	t.Parallel()

	cfg := network.DefaultConfig()
	require.Equal(t, 1460, cfg.PacketCapacity(network.StreamPacket))
	require.Equal(t, 1472, cfg.PacketCapacity(network.DatagramPacket))

	cfg.BlockCipherAligned = true
	require.Equal(t, 1456, cfg.PacketCapacity(network.StreamPacket))
	require.Equal(t, 1472, cfg.PacketCapacity(network.DatagramPacket))
}

func TestClearReturnsPackets(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	b := network.NewBundle(cfg, network.StreamPacket)
	b.NewMessage(chatMsg)
	b.Append(payload(200, 0), false)
	require.Equal(t, int64(4), cfg.Pools.Stream.Stats().InUse)

	b.Clear(true)
	require.Zero(t, cfg.Pools.Stream.Stats().InUse)
	require.Zero(t, b.TotalSize())
	require.Zero(t, b.NumMessages())
	require.Nil(t, b.CurrentPacket())
}

func TestBundlePoolReuse(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	pool := network.NewBundlePool(cfg, network.DatagramPacket)

	b := pool.Get()
	require.Equal(t, network.DatagramPacket, b.Kind())
	b.NewMessage(chatMsg)
	b.Append(payload(10, 0), false)
	pool.Put(b)

	require.Zero(t, cfg.Pools.Datagram.Stats().InUse)
	stats := pool.Stats()
	require.Equal(t, int64(1), stats.Acquired)
	require.Equal(t, int64(1), stats.Released)
}
