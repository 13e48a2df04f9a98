package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/protocol"
)

// Conn is a channel to one peer. Stream channels own their TCP
// connection; datagram channels share the listener socket and address
// every packet to the peer.
type Conn struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	id       string
	kind     PacketKind
	conn     net.Conn
	remote   net.Addr
	endpoint Endpoint
	iface    *NetworkInterface
	ownsConn bool
	logger   zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time
	closed       bool

	packetsSent      atomic.Uint64
	bytesSent        atomic.Uint64
	packetsDiscarded atomic.Uint64
}

// ChannelInfo is a point-in-time description of a channel.
type ChannelInfo struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Remote           string    `json:"remote"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastActivity     time.Time `json:"last_activity"`
	PacketsSent      uint64    `json:"packets_sent"`
	BytesSent        uint64    `json:"bytes_sent"`
	PacketsDiscarded uint64    `json:"packets_discarded"`
}

// NewStreamConn wraps an established TCP connection.
func NewStreamConn(conn net.Conn, iface *NetworkInterface) (*Conn, error) {
	ep, err := NewSocketEndpoint(conn, iface.Config().WaitSendTimeout)
	if err != nil {
		return nil, err
	}
	return newConn("tcp:"+conn.RemoteAddr().String(), StreamPacket, conn, conn.RemoteAddr(), ep, iface, true), nil
}

// NewDatagramConn creates a channel to remote over a shared UDP socket.
func NewDatagramConn(sock *net.UDPConn, remote net.Addr, iface *NetworkInterface) (*Conn, error) {
	ep, err := NewSocketEndpoint(sock, iface.Config().WaitSendTimeout)
	if err != nil {
		return nil, err
	}
	return newConn("udp:"+remote.String(), DatagramPacket, sock, remote, ep, iface, false), nil
}

func newConn(id string, kind PacketKind, conn net.Conn, remote net.Addr, ep Endpoint, iface *NetworkInterface, owns bool) *Conn {
	now := time.Now()
	return &Conn{
		id:           id,
		kind:         kind,
		conn:         conn,
		remote:       remote,
		endpoint:     ep,
		iface:        iface,
		ownsConn:     owns,
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "channel").Str("channel", id).Logger(),
	}
}

func (c *Conn) Name() string { return c.id }
func (c *Conn) ID() string { return c.id }
func (c *Conn) Kind() PacketKind { return c.kind }
func (c *Conn) Endpoint() Endpoint { return c.endpoint }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Send composes one message and transmits it. Sends on one channel are
// serialized.
func (c *Conn) Send(desc *protocol.MessageDescriptor, payload []byte) (TransmitResult, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.IsClosed() {
		return TransmitResult{}, fmt.Errorf("channel %s is closed", c.id)
	}
	res, err := c.iface.SendMessage(c, desc, payload)
	if err != nil {
		return res, fmt.Errorf("failed to send %s on %s: %w", desc.Name, c.id, err)
	}
	return res, nil
}

// SendBundle transmits a bundle built by the caller.
func (c *Conn) SendBundle(b *Bundle) (TransmitResult, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.IsClosed() {
		return TransmitResult{}, fmt.Errorf("channel %s is closed", c.id)
	}
	if b.Kind() != c.kind {
		return TransmitResult{}, fmt.Errorf("%s bundle cannot be sent on %s channel %s", b.Kind(), c.kind, c.id)
	}
	return b.Send(c.iface, c), nil
}

func (c *Conn) recordTransmit(res TransmitResult) {
	c.packetsSent.Add(uint64(res.Packets - res.DiscardedCount()))
	c.bytesSent.Add(uint64(res.Bytes))
	c.packetsDiscarded.Add(uint64(res.DiscardedCount()))
	if res.Bytes > 0 {
		c.Touch()
	}
}

// Touch marks the channel as active.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the channel. The shared socket of a datagram channel stays open.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info().Msg("channel closed")
	if c.ownsConn {
		return c.conn.Close()
	}
	return nil
}

// IsClosed returns whether the channel has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read or write.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the channel was created.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Info returns a description of the channel and its counters.
func (c *Conn) Info() ChannelInfo {
	return ChannelInfo{
		ID:               c.id,
		Kind:             c.kind.String(),
		Remote:           c.remote.String(),
		ConnectedAt:      c.connectedAt,
		LastActivity:     c.LastActivity(),
		PacketsSent:      c.packetsSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		PacketsDiscarded: c.packetsDiscarded.Load(),
	}
}

// ChannelRegistry tracks open channels by id.
type ChannelRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		conns: make(map[string]*Conn),
	}
}

// Register adds a channel, closing any previous channel with the same id.
func (r *ChannelRegistry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[c.id]; ok && existing != c {
		existing.Close()
	}
	r.conns[c.id] = c
	log.Debug().Str("channel", c.id).Msg("channel registered")
}

// Unregister closes and removes the channel with id.
func (r *ChannelRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.Close()
		delete(r.conns, id)
		log.Debug().Str("channel", id).Msg("channel unregistered")
	}
}

// Get returns the channel with id.
func (r *ChannelRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// All returns every open channel.
func (r *ChannelRegistry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Infos describes every open channel.
func (r *ChannelRegistry) Infos() []ChannelInfo {
	conns := r.All()
	out := make([]ChannelInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Count returns the number of open channels.
func (r *ChannelRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every channel.
func (r *ChannelRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}
	log.Info().Msg("all channels closed")
}

// CleanStale closes channels inactive for longer than timeout.
func (r *ChannelRegistry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)
	for id, c := range r.conns {
		if last := c.LastActivity(); last.Before(cutoff) {
			c.Close()
			delete(r.conns, id)
			cleaned++
			log.Warn().
				Str("channel", id).
				Time("last_activity", last).
				Msg("cleaned stale channel")
		}
	}
	return cleaned
}

// Broadcast sends one message to every channel and returns the results by
// channel id. Failed sends are logged and left out.
func (r *ChannelRegistry) Broadcast(desc *protocol.MessageDescriptor, payload []byte) map[string]TransmitResult {
	results := make(map[string]TransmitResult)
	for _, c := range r.All() {
		res, err := c.Send(desc, payload)
		if err != nil {
			log.Warn().Err(err).Str("channel", c.id).Msg("broadcast send failed")
			continue
		}
		results[c.id] = res
	}
	return results
}
