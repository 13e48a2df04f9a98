package network

// PacketKind distinguishes stream and datagram packets. Each kind has its
// own pool and default capacity.
type PacketKind uint8

const (
	StreamPacket PacketKind = iota
	DatagramPacket
)

func (k PacketKind) String() string {
	switch k {
	case StreamPacket:
		return "stream"
	case DatagramPacket:
		return "datagram"
	default:
		return "unknown"
	}
}

// Packet is a byte buffer filled by a bundle and drained by the
// transmission driver. sentSize never exceeds the total size.
type Packet struct {
	kind     PacketKind
	buf      []byte
	sentSize int
}

func newPacket(kind PacketKind, capacity int) *Packet {
	return &Packet{kind: kind, buf: make([]byte, 0, capacity)}
}

// Kind returns the packet kind.
func (p *Packet) Kind() PacketKind { return p.kind }

// Bytes returns the written bytes. The slice is valid until the packet is
// written to or returned to its pool.
func (p *Packet) Bytes() []byte { return p.buf }

// Len returns the write position, which is also the total size.
func (p *Packet) Len() int { return len(p.buf) }

// SentSize returns how many bytes have been accepted by the socket.
func (p *Packet) SentSize() int { return p.sentSize }

// Sent reports whether the whole packet was transmitted.
func (p *Packet) Sent() bool { return p.sentSize == len(p.buf) }

func (p *Packet) unsent() []byte { return p.buf[p.sentSize:] }

func (p *Packet) markSent(n int) {
	p.sentSize += n
	if p.sentSize > len(p.buf) {
		p.sentSize = len(p.buf)
	}
}

func (p *Packet) append(b []byte) {
	p.buf = append(p.buf, b...)
}

// putAt overwrites already written bytes at pos.
func (p *Packet) putAt(pos int, b []byte) {
	copy(p.buf[pos:pos+len(b)], b)
}

// insert shifts the bytes at pos and after to the right and places b there.
func (p *Packet) insert(pos int, b []byte) {
	n := len(p.buf)
	p.buf = append(p.buf, b...)
	copy(p.buf[pos+len(b):], p.buf[pos:n])
	copy(p.buf[pos:], b)
}

func (p *Packet) reset() {
	p.buf = p.buf[:0]
	p.sentSize = 0
}
