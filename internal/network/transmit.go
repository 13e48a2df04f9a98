package network

import (
	"net"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog"
)

const (
	// ephemeralRetries is the number of immediate retries for failures
	// that clear on their own, such as a port momentarily missing.
	ephemeralRetries = 3

	// maxSendWaits is the number of WaitSend calls spent on one packet
	// before it is abandoned.
	maxSendWaits = 60
)

// TransmitResult summarizes one transmission of a bundle.
type TransmitResult struct {
	Packets   int
	Bytes     int
	Discarded *bitset.BitSet
}

// DiscardedCount returns the number of abandoned packets.
func (r TransmitResult) DiscardedCount() int {
	if r.Discarded == nil {
		return 0
	}
	return int(r.Discarded.Count())
}

// DiscardedIndexes lists the abandoned packet positions in send order.
func (r TransmitResult) DiscardedIndexes() []uint {
	if r.Discarded == nil {
		return nil
	}
	out := make([]uint, 0, r.Discarded.Count())
	for i, ok := r.Discarded.NextSet(0); ok; i, ok = r.Discarded.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// OK reports whether every packet was delivered to the socket.
func (r TransmitResult) OK() bool {
	return r.DiscardedCount() == 0
}

type writeFunc func(p []byte) (int, error)

// SendStream writes every packet of the bundle to a connected endpoint.
func (b *Bundle) SendStream(ep Endpoint) TransmitResult {
	return b.transmit(ep, nil, ep.Send)
}

// SendDatagram writes every packet of the bundle as one datagram to addr.
func (b *Bundle) SendDatagram(ep Endpoint, addr net.Addr) TransmitResult {
	return b.transmit(ep, addr, func(p []byte) (int, error) {
		return ep.SendTo(p, addr)
	})
}

func (b *Bundle) transmit(ep Endpoint, addr net.Addr, write writeFunc) TransmitResult {
	b.seal()

	logger := b.cfg.Logger.With().Str("kind", b.kind.String()).Logger()
	if b.channel != nil {
		logger = logger.With().Str("channel", b.channel.Name()).Logger()
	}
	if addr != nil {
		logger = logger.With().Str("addr", addr.String()).Logger()
	}

	res := TransmitResult{
		Packets:   len(b.packets),
		Discarded: bitset.New(uint(len(b.packets))),
	}
	for i, p := range b.packets {
		if b.transmitPacket(&logger, ep, p, write) {
			res.Bytes += p.Len()
			b.cfg.Stats.PacketSent(p.Len())
			continue
		}
		res.Discarded.Set(uint(i))
		b.cfg.Stats.PacketDiscarded()
	}

	b.OnSendCompleted()
	return res
}

// transmitPacket writes p until it is fully sent or abandoned. Bytes
// already accepted by the socket are never written twice.
func (b *Bundle) transmitPacket(logger *zerolog.Logger, ep Endpoint, p *Packet, write writeFunc) bool {
	p.sentSize = 0
	ephemeral, waits := 0, 0

	for attempt := 1; ; attempt++ {
		n, err := write(p.unsent())
		if n > 0 {
			p.markSent(n)
		}
		if p.Sent() {
			return true
		}

		reason := ep.SendErrorReason(err, p.sentSize, p.Len())
		class := reason.retryClass()

		if class == retryEphemeral && ephemeral < ephemeralRetries {
			ephemeral++
			continue
		}

		if class != retryFatal && waits < maxSendWaits {
			waits++
			logger.Warn().
				Str("reason", reason.String()).
				Int("sent", p.sentSize).
				Int("total", p.Len()).
				Int("wait", waits).
				Msg("send buffer full, waiting")
			ep.WaitSend()
			continue
		}

		logger.Error().
			Err(err).
			Str("reason", reason.String()).
			Int("sent", p.sentSize).
			Int("total", p.Len()).
			Int("attempts", attempt).
			Msg("packet discarded")
		return false
	}
}
