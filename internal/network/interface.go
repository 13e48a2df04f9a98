package network

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/protocol"
)

// Channel is the peer a bundle is sent to.
type Channel interface {
	Name() string
	Kind() PacketKind
	Endpoint() Endpoint
	// RemoteAddr is the datagram destination. Stream channels may return
	// their peer address, which the driver ignores.
	RemoteAddr() net.Addr
}

// transmitRecorder is implemented by channels that keep traffic counters.
type transmitRecorder interface {
	recordTransmit(res TransmitResult)
}

// TransmitHook observes every bundle transmission.
type TransmitHook func(ch Channel, res TransmitResult)

// NetworkInterface is the send entry point shared by all channels. It
// owns the bundle pools and routes sealed bundles to the stream or
// datagram driver.
type NetworkInterface struct {
	cfg             Config
	streamBundles   *BundlePool
	datagramBundles *BundlePool
	hook            TransmitHook
	logger          zerolog.Logger
}

// NewNetworkInterface creates a network interface using cfg for every bundle.
func NewNetworkInterface(cfg Config) *NetworkInterface {
	cfg = cfg.withDefaults()
	return &NetworkInterface{
		cfg:             cfg,
		streamBundles:   NewBundlePool(cfg, StreamPacket),
		datagramBundles: NewBundlePool(cfg, DatagramPacket),
		logger:          log.With().Str("component", "network_interface").Logger(),
	}
}

// Config returns the effective configuration.
func (ni *NetworkInterface) Config() Config {
	return ni.cfg
}

// Stats returns the shared traffic counters.
func (ni *NetworkInterface) Stats() *Stats {
	return ni.cfg.Stats
}

// SetTransmitHook installs fn to observe transmissions. It must be set
// before the first send.
func (ni *NetworkInterface) SetTransmitHook(fn TransmitHook) {
	ni.hook = fn
}

// AcquireBundle takes an empty bundle of the given kind from the pool.
func (ni *NetworkInterface) AcquireBundle(kind PacketKind) *Bundle {
	if kind == DatagramPacket {
		return ni.datagramBundles.Get()
	}
	return ni.streamBundles.Get()
}

// ReleaseBundle returns a bundle to its pool.
func (ni *NetworkInterface) ReleaseBundle(b *Bundle) {
	if b.Kind() == DatagramPacket {
		ni.datagramBundles.Put(b)
		return
	}
	ni.streamBundles.Put(b)
}

// PoolStats returns the counters of every packet and bundle pool.
func (ni *NetworkInterface) PoolStats() []PoolStats {
	out := ni.cfg.Pools.Stats()
	return append(out, ni.streamBundles.Stats(), ni.datagramBundles.Stats())
}

// SendBundle transmits a sealed bundle over ch.
func (ni *NetworkInterface) SendBundle(b *Bundle, ch Channel) TransmitResult {
	var res TransmitResult
	if ch.Kind() == DatagramPacket {
		res = b.SendDatagram(ch.Endpoint(), ch.RemoteAddr())
	} else {
		res = b.SendStream(ch.Endpoint())
	}

	if rec, ok := ch.(transmitRecorder); ok {
		rec.recordTransmit(res)
	}
	if !res.OK() {
		ni.logger.Warn().
			Str("channel", ch.Name()).
			Int("packets", res.Packets).
			Int("discarded", res.DiscardedCount()).
			Msg("bundle partially delivered")
	}
	if ni.hook != nil {
		ni.hook(ch, res)
	}
	return res
}

// SendMessage sends one message in its own bundle.
func (ni *NetworkInterface) SendMessage(ch Channel, desc *protocol.MessageDescriptor, payload []byte) (TransmitResult, error) {
	b, err := ni.ComposeMessage(ch.Kind(), desc, payload)
	if err != nil {
		return TransmitResult{}, err
	}
	defer ni.ReleaseBundle(b)
	return b.Send(ni, ch), nil
}

// ComposeMessage returns a pooled bundle holding one message. The caller
// releases it after sending.
func (ni *NetworkInterface) ComposeMessage(kind PacketKind, desc *protocol.MessageDescriptor, payload []byte) (*Bundle, error) {
	if !desc.IsVariable() && int(desc.Length) != len(payload) {
		return nil, fmt.Errorf("message %s expects %d bytes, got %d", desc.Name, desc.Length, len(payload))
	}
	if uint64(len(payload)) > uint64(ni.cfg.MaxMessageLength) {
		return nil, fmt.Errorf("message %s payload of %d bytes exceeds maximum %d",
			desc.Name, len(payload), ni.cfg.MaxMessageLength)
	}

	b := ni.AcquireBundle(kind)
	b.NewMessage(desc)
	b.Append(payload, false)
	return b, nil
}
