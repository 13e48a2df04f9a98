// Package protocol defines the Courier wire format and the message
// descriptors shared by senders and receivers. Every message on the wire is
//
//	[id : uint16][length : uint16][extended length : uint32][payload]
//
// where the length field is present only for variable-length messages (or
// when every message carries one), and the extended length follows only
// when the length field holds MessageMaxSize. All integers use big-endian
// byte order.
package protocol

import "encoding/binary"

// MessageID identifies a message type on the wire.
type MessageID uint16

// Wire field sizes in bytes.
const (
	MessageIDSize      = 2
	MessageLengthSize  = 2
	MessageLength1Size = 4
)

const (
	// MessageMaxSize is the escape value of the primary length field. A
	// payload of this size or larger is announced with it and followed by
	// an extended uint32 length.
	MessageMaxSize = 0xFFFF

	// MessageMaxSize1 is the largest payload the extended field can carry.
	MessageMaxSize1 = 0xFFFFFFFF

	// VariableLength marks a descriptor whose payload size is carried on
	// the wire instead of being fixed.
	VariableLength int32 = -1
)

// Default packet chunk sizes, derived from a 1500 byte MTU minus IP and
// transport headers.
const (
	PacketMaxSizeTCP = 1460
	PacketMaxSizeUDP = 1472
)

// ByteOrder is the byte order of every integer written by Courier.
var ByteOrder = binary.BigEndian

// HeaderSize returns the number of header bytes written in front of a
// payload of the given size.
func HeaderSize(withLength bool, payload int) int {
	n := MessageIDSize
	if !withLength {
		return n
	}
	n += MessageLengthSize
	if payload >= MessageMaxSize {
		n += MessageLength1Size
	}
	return n
}
