package network

import (
	"math"

	"github.com/courier-project/courier/internal/protocol"
)

// Typed writers append big-endian fields to the message in progress.
// Fixed-size fields never straddle two packets.

func (b *Bundle) writeFixed(n int) {
	b.Append(b.scratch[:n], true)
}

func (b *Bundle) WriteUint8(v uint8) {
	b.scratch[0] = v
	b.writeFixed(1)
}

func (b *Bundle) WriteUint16(v uint16) {
	protocol.ByteOrder.PutUint16(b.scratch[:], v)
	b.writeFixed(2)
}

func (b *Bundle) WriteUint32(v uint32) {
	protocol.ByteOrder.PutUint32(b.scratch[:], v)
	b.writeFixed(4)
}

func (b *Bundle) WriteUint64(v uint64) {
	protocol.ByteOrder.PutUint64(b.scratch[:], v)
	b.writeFixed(8)
}

func (b *Bundle) WriteInt8(v int8)   { b.WriteUint8(uint8(v)) }
func (b *Bundle) WriteInt16(v int16) { b.WriteUint16(uint16(v)) }
func (b *Bundle) WriteInt32(v int32) { b.WriteUint32(uint32(v)) }
func (b *Bundle) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *Bundle) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }
func (b *Bundle) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }

func (b *Bundle) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
		return
	}
	b.WriteUint8(0)
}

// WriteString writes s followed by a NUL terminator. s must not contain NUL.
func (b *Bundle) WriteString(s string) {
	b.Append([]byte(s), false)
	b.WriteUint8(0)
}

// WriteBlob writes a uint32 length followed by p. The body may be split
// across packets.
func (b *Bundle) WriteBlob(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.Append(p, false)
}
