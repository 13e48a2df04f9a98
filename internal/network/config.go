package network

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blowfish"

	"github.com/courier-project/courier/internal/protocol"
)

// Config carries the framing policy and the shared collaborators used by
// bundles and the transmission driver.
type Config struct {
	// StreamChunkSize and DatagramChunkSize cap the bytes placed in one
	// packet of each kind.
	StreamChunkSize   int
	DatagramChunkSize int

	// BlockCipherAligned shrinks packet capacity to a multiple of the
	// blowfish block size so an encrypted channel can seal whole blocks.
	BlockCipherAligned bool

	// AlwaysContainLength writes a length field for fixed-size messages too.
	AlwaysContainLength bool

	// MaxMessageLength bounds a single message payload.
	MaxMessageLength uint32

	// WaitSendTimeout bounds how long an endpoint blocks in WaitSend.
	WaitSendTimeout time.Duration

	// Stats receives traffic counters. Nil disables tracking.
	Stats *Stats
	Pools *Pools

	// Logger defaults to the global logger tagged with component=bundle.
	Logger *zerolog.Logger
}

// DefaultConfig returns the MTU-derived defaults with process-wide pools.
func DefaultConfig() Config {
	return Config{
		StreamChunkSize:   protocol.PacketMaxSizeTCP,
		DatagramChunkSize: protocol.PacketMaxSizeUDP,
		MaxMessageLength:  protocol.MessageMaxSize1,
		WaitSendTimeout:   10 * time.Millisecond,
		Stats:             NewStats(),
		Pools:             DefaultPools,
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StreamChunkSize <= 0 {
		c.StreamChunkSize = def.StreamChunkSize
	}
	if c.DatagramChunkSize <= 0 {
		c.DatagramChunkSize = def.DatagramChunkSize
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = def.MaxMessageLength
	}
	if c.WaitSendTimeout <= 0 {
		c.WaitSendTimeout = def.WaitSendTimeout
	}
	if c.Pools == nil {
		c.Pools = def.Pools
	}
	if c.Logger == nil {
		l := log.With().Str("component", "bundle").Logger()
		c.Logger = &l
	}
	return c
}

// ChunkSize returns the configured chunk size for a packet kind.
func (c Config) ChunkSize(kind PacketKind) int {
	if kind == DatagramPacket {
		return c.DatagramChunkSize
	}
	return c.StreamChunkSize
}

// PacketCapacity returns the usable bytes of one packet of the given kind.
func (c Config) PacketCapacity(kind PacketKind) int {
	capacity := c.ChunkSize(kind)
	if c.BlockCipherAligned {
		capacity -= capacity % blowfish.BlockSize
	}
	return capacity
}

// DecoderConfig returns the matching receive-side configuration.
func (c Config) DecoderConfig() protocol.DecoderConfig {
	return protocol.DecoderConfig{
		AlwaysContainLength: c.AlwaysContainLength,
		MaxMessageLength:    c.MaxMessageLength,
	}
}
