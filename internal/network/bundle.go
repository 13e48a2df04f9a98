package network

import (
	"errors"
	"fmt"

	"github.com/courier-project/courier/internal/protocol"
)

// Transmitter delivers a sealed bundle over a channel.
type Transmitter interface {
	SendBundle(b *Bundle, ch Channel) TransmitResult
}

// Bundle packs messages into packets bound for one channel. A message that
// does not fit in the current packet continues in the next one, so a
// receiver reading the packets back to back sees a plain message stream.
//
// A bundle has a single owner and is not safe for concurrent use.
type Bundle struct {
	cfg     Config
	kind    PacketKind
	pool    *PacketPool
	channel Channel

	packets       []*Packet
	currentPacket *Packet
	numMessages   int

	currentMessage            *protocol.MessageDescriptor
	currentMessageID          protocol.MessageID
	currentMessageLength      int
	currentMessagePacketCount int
	lengthFieldPos            int
	hasLengthField            bool
	messageOpen               bool

	// Stats of a message closed by Finish(false) while it was the only
	// buffered message wait here for the next message or the send.
	pendingStat       *protocol.MessageDescriptor
	pendingStatLength int

	reuse   bool
	scratch [8]byte
}

// NewBundle creates an empty bundle. Its first packet is allocated on
// first use.
func NewBundle(cfg Config, kind PacketKind) *Bundle {
	cfg = cfg.withDefaults()
	return &Bundle{
		cfg:  cfg,
		kind: kind,
		pool: cfg.Pools.For(kind),
	}
}

func (b *Bundle) newPacket() {
	b.currentPacket = b.pool.Get()
}

// NewMessage closes the message in progress, if any, and starts a new one
// by writing its id and, for variable-length messages, a zero length
// placeholder that Finish patches later.
func (b *Bundle) NewMessage(desc *protocol.MessageDescriptor) {
	if b.currentPacket == nil {
		b.newPacket()
	}

	b.numMessages++
	b.finish(false)

	withLength := desc.IsVariable() || b.cfg.AlwaysContainLength
	size := protocol.MessageIDSize
	if withLength {
		size += protocol.MessageLengthSize
	}
	protocol.ByteOrder.PutUint16(b.scratch[0:], uint16(desc.ID))
	protocol.ByteOrder.PutUint16(b.scratch[2:], 0)

	// The header is inseparable so the placeholder stays in the packet
	// whose offset is recorded below.
	if n := b.reserve(size, true); n != size {
		panic(fmt.Errorf("BUG: packet capacity %d cannot hold a %d byte message header",
			b.cfg.PacketCapacity(b.kind), size))
	}
	pos := b.currentPacket.Len()
	b.currentPacket.append(b.scratch[:size])

	b.currentMessagePacketCount = 0
	b.currentMessage = desc
	b.currentMessageID = desc.ID
	b.messageOpen = true
	if withLength {
		b.hasLengthField = true
		b.lengthFieldPos = pos + protocol.MessageIDSize
	}
}

// reserve makes room for up to size bytes in the current packet and
// returns how many of them fit there. When the current packet cannot take
// the write it is pushed onto the sequence and a fresh packet becomes
// current. An inseparable write moves to the fresh packet whole unless it
// is larger than a packet.
func (b *Bundle) reserve(size int, inseparable bool) int {
	capacity := b.cfg.PacketCapacity(b.kind)

	projected := b.currentPacket.Len()
	if inseparable {
		projected += size
	}
	if projected >= capacity && b.currentPacket.Len() > 0 {
		b.packets = append(b.packets, b.currentPacket)
		b.currentMessagePacketCount++
		b.newPacket()
	}

	n := min(size, capacity-b.currentPacket.Len())
	b.currentMessageLength += n
	return n
}

// Append writes p into the bundle, splitting it across packets as needed.
// With inseparable set, p is kept in one packet whenever it fits in one.
func (b *Bundle) Append(p []byte, inseparable bool) {
	if b.currentPacket == nil {
		b.newPacket()
	}
	for len(p) > 0 {
		n := b.reserve(len(p), inseparable)
		b.currentPacket.append(p[:n])
		p = p[n:]
	}
}

// Finish closes the message in progress: its length placeholder is
// patched and its size is recorded. With issend the current packet joins
// the sequence and the bundle has no current packet afterwards. Calling
// Finish(false) again without appending is a no-op.
func (b *Bundle) Finish(issend bool) {
	if b.currentPacket == nil {
		panic(errors.New("BUG: bundle finished with no current packet"))
	}
	b.finish(issend)
}

func (b *Bundle) finish(issend bool) {
	if issend {
		b.packets = append(b.packets, b.currentPacket)
		b.currentMessagePacketCount++
	}

	if b.messageOpen {
		b.pendingStat = b.currentMessage
		b.pendingStatLength = b.currentMessageLength
	}
	if b.pendingStat != nil && (issend || b.numMessages > 1) {
		b.cfg.Stats.TrackMessage(Outbound, b.pendingStat, b.pendingStatLength)
		b.pendingStat = nil
	}

	if b.hasLengthField {
		b.patchLength()
	}

	if issend {
		b.currentMessage = nil
		b.currentPacket = nil
	}

	b.currentMessageID = 0
	b.currentMessagePacketCount = 0
	b.currentMessageLength = 0
	b.lengthFieldPos = 0
	b.hasLengthField = false
	b.messageOpen = false
}

// patchLength writes the payload length into the placeholder. Lengths of
// MessageMaxSize and above are escaped and followed by an inserted uint32.
func (b *Bundle) patchLength() {
	pkt := b.currentPacket
	if b.currentMessagePacketCount > 0 {
		pkt = b.packets[len(b.packets)-b.currentMessagePacketCount]
	}

	length := b.currentMessageLength - protocol.MessageIDSize - protocol.MessageLengthSize
	if uint64(length) > uint64(b.cfg.MaxMessageLength) {
		panic(fmt.Errorf("BUG: message %d carries %d bytes, more than the %d byte maximum",
			b.currentMessageID, length, b.cfg.MaxMessageLength))
	}

	var field [protocol.MessageLength1Size]byte
	if length >= protocol.MessageMaxSize {
		protocol.ByteOrder.PutUint16(field[:], protocol.MessageMaxSize)
		pkt.putAt(b.lengthFieldPos, field[:protocol.MessageLengthSize])
		protocol.ByteOrder.PutUint32(field[:], uint32(length))
		pkt.insert(b.lengthFieldPos+protocol.MessageLengthSize, field[:])
		return
	}
	protocol.ByteOrder.PutUint16(field[:], uint16(length))
	pkt.putAt(b.lengthFieldPos, field[:protocol.MessageLengthSize])
}

// seal finishes the bundle for transmission if a packet is still open.
func (b *Bundle) seal() {
	if b.currentPacket != nil {
		b.finish(true)
	}
}

// Send seals the bundle and hands it to t for delivery over ch.
func (b *Bundle) Send(t Transmitter, ch Channel) TransmitResult {
	b.channel = ch
	b.seal()
	return t.SendBundle(b, ch)
}

// Resend transmits the bundle again, possibly over another channel. The
// bundle switches to reuse mode so its packets survive the send. An empty
// bundle already in reuse mode sends nothing.
func (b *Bundle) Resend(t Transmitter, ch Channel) TransmitResult {
	if !b.reuse {
		desc, id := b.currentMessage, b.currentMessageID
		b.seal()
		b.currentMessage, b.currentMessageID = desc, id
	} else if b.TotalSize() == 0 {
		return TransmitResult{}
	}
	b.reuse = true
	b.channel = ch
	return t.SendBundle(b, ch)
}

// OnSendCompleted returns the sent packets to their pool unless the
// bundle is in reuse mode.
func (b *Bundle) OnSendCompleted() {
	if b.reuse {
		return
	}
	b.releasePackets(true)
}

func (b *Bundle) releasePackets(reclaim bool) {
	for i, p := range b.packets {
		if reclaim {
			b.pool.Put(p)
		}
		b.packets[i] = nil
	}
	b.packets = b.packets[:0]
}

// Clear drops every packet, the current one included, and resets the
// bundle. With reclaim the packets go back to their pool.
func (b *Bundle) Clear(reclaim bool) {
	if b.currentPacket != nil {
		b.packets = append(b.packets, b.currentPacket)
		b.currentPacket = nil
	}
	b.releasePackets(reclaim)

	b.channel = nil
	b.numMessages = 0
	b.currentMessage = nil
	b.currentMessageID = 0
	b.currentMessageLength = 0
	b.currentMessagePacketCount = 0
	b.lengthFieldPos = 0
	b.hasLengthField = false
	b.messageOpen = false
	b.pendingStat = nil
	b.pendingStatLength = 0
	b.reuse = false
}

// Kind returns the packet kind the bundle produces.
func (b *Bundle) Kind() PacketKind { return b.kind }

// Channel returns the channel of the last Send or Resend.
func (b *Bundle) Channel() Channel { return b.channel }

// Reuse reports whether packets are kept after a send.
func (b *Bundle) Reuse() bool { return b.reuse }

// SetReuse toggles reuse mode.
func (b *Bundle) SetReuse(reuse bool) { b.reuse = reuse }

// NumMessages returns the number of messages started since the last Clear.
func (b *Bundle) NumMessages() int { return b.numMessages }

// CurrentMessageID returns the id of the message in progress.
func (b *Bundle) CurrentMessageID() protocol.MessageID { return b.currentMessageID }

// CurrentMessageLength returns the bytes written for the message in
// progress across every packet it touched.
func (b *Bundle) CurrentMessageLength() int { return b.currentMessageLength }

// Packets returns the finalized packets. The slice must not be modified.
func (b *Bundle) Packets() []*Packet { return b.packets }

// CurrentPacket returns the packet being filled, or nil.
func (b *Bundle) CurrentPacket() *Packet { return b.currentPacket }

// PacketsLength sums the sizes of the finalized packets and, optionally,
// the current one.
func (b *Bundle) PacketsLength(includeCurrent bool) int {
	total := 0
	for _, p := range b.packets {
		total += p.Len()
	}
	if includeCurrent && b.currentPacket != nil {
		total += b.currentPacket.Len()
	}
	return total
}

// TotalSize returns the size of every packet held by the bundle.
func (b *Bundle) TotalSize() int {
	return b.PacketsLength(true)
}
