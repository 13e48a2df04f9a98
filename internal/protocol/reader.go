package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnknownMessage is returned for an id missing from the registry.
	// The stream cannot be resynchronized after it.
	ErrUnknownMessage = errors.New("unknown message id")

	// ErrMessageTooLarge is returned when a length field exceeds the
	// configured maximum.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrIncomplete is returned by Decode when the buffer does not yet
	// hold a whole message.
	ErrIncomplete = errors.New("incomplete message")
)

// Message is one decoded message.
type Message struct {
	Descriptor *MessageDescriptor
	Payload    []byte
}

// Size returns the on-wire size of the message.
func (m Message) Size(alwaysContainLength bool) int {
	withLength := alwaysContainLength || m.Descriptor.IsVariable()
	return HeaderSize(withLength, len(m.Payload)) + len(m.Payload)
}

// DecoderConfig controls how message headers are interpreted.
type DecoderConfig struct {
	// AlwaysContainLength expects a length field on fixed-size messages too.
	AlwaysContainLength bool

	// MaxMessageLength bounds the payload size. Zero means MessageMaxSize1.
	MaxMessageLength uint32
}

func (c DecoderConfig) maxLength() uint32 {
	if c.MaxMessageLength == 0 {
		return MessageMaxSize1
	}
	return c.MaxMessageLength
}

// Decoder parses messages out of byte slices. It is used for datagram
// traffic, where a bundle arrives as a sequence of packets.
type Decoder struct {
	registry *Registry
	cfg      DecoderConfig
}

// NewDecoder creates a decoder resolving ids against registry.
func NewDecoder(registry *Registry, cfg DecoderConfig) *Decoder {
	return &Decoder{registry: registry, cfg: cfg}
}

// Decode parses one message from the front of b and returns it together
// with the number of bytes consumed. The payload is copied out of b.
func (d *Decoder) Decode(b []byte) (Message, int, error) {
	if len(b) < MessageIDSize {
		return Message{}, 0, ErrIncomplete
	}
	id := MessageID(ByteOrder.Uint16(b))
	desc, ok := d.registry.Lookup(id)
	if !ok {
		return Message{}, 0, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	pos := MessageIDSize

	length := uint32(desc.Length)
	if desc.IsVariable() || d.cfg.AlwaysContainLength {
		if len(b) < pos+MessageLengthSize {
			return Message{}, 0, ErrIncomplete
		}
		length = uint32(ByteOrder.Uint16(b[pos:]))
		pos += MessageLengthSize

		if length == MessageMaxSize {
			if len(b) < pos+MessageLength1Size {
				return Message{}, 0, ErrIncomplete
			}
			length = ByteOrder.Uint32(b[pos:])
			pos += MessageLength1Size
		}
	}

	if length > d.cfg.maxLength() {
		return Message{}, 0, fmt.Errorf("%w: %s carries %d bytes (max %d)",
			ErrMessageTooLarge, desc.Name, length, d.cfg.maxLength())
	}
	if uint64(len(b)-pos) < uint64(length) {
		return Message{}, 0, ErrIncomplete
	}

	payload := make([]byte, length)
	copy(payload, b[pos:])
	return Message{Descriptor: desc, Payload: payload}, pos + int(length), nil
}

// Reader reads messages from a byte stream.
type Reader struct {
	r        io.Reader
	registry *Registry
	cfg      DecoderConfig
	hdr      [MessageLength1Size]byte
}

// NewReader creates a reader over r.
func NewReader(r io.Reader, registry *Registry, cfg DecoderConfig) *Reader {
	return &Reader{r: r, registry: registry, cfg: cfg}
}

// ReadMessage reads the next whole message. A clean end of stream before
// the first header byte is reported as io.EOF.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:MessageIDSize]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("failed to read message id: %w", err)
	}
	id := MessageID(ByteOrder.Uint16(r.hdr[:]))
	desc, ok := r.registry.Lookup(id)
	if !ok {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}

	length := uint32(desc.Length)
	if desc.IsVariable() || r.cfg.AlwaysContainLength {
		if _, err := io.ReadFull(r.r, r.hdr[:MessageLengthSize]); err != nil {
			return Message{}, fmt.Errorf("failed to read length of %s: %w", desc.Name, err)
		}
		length = uint32(ByteOrder.Uint16(r.hdr[:]))

		if length == MessageMaxSize {
			if _, err := io.ReadFull(r.r, r.hdr[:MessageLength1Size]); err != nil {
				return Message{}, fmt.Errorf("failed to read extended length of %s: %w", desc.Name, err)
			}
			length = ByteOrder.Uint32(r.hdr[:])
		}
	}

	if length > r.cfg.maxLength() {
		return Message{}, fmt.Errorf("%w: %s carries %d bytes (max %d)",
			ErrMessageTooLarge, desc.Name, length, r.cfg.maxLength())
	}

	payload, err := r.readPayload(int64(length))
	if err != nil {
		return Message{}, fmt.Errorf("failed to read payload of %s (%d bytes): %w", desc.Name, length, err)
	}
	return Message{Descriptor: desc, Payload: payload}, nil
}

// readChunk caps the up-front allocation for a payload. Larger payloads
// grow their buffer as bytes arrive, so an announced length alone never
// allocates more than this.
const readChunk = 64 << 10

func (r *Reader) readPayload(length int64) ([]byte, error) {
	if length <= readChunk {
		payload := make([]byte, length)
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	if _, err := io.CopyN(&buf, r.r, length); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
