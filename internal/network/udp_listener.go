package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/protocol"
)

// maxDatagramBacklog bounds the undecoded bytes kept per peer.
const maxDatagramBacklog = 1 << 20

// UDPListener owns one UDP socket shared by every datagram channel. The
// packets of a bundle arrive as separate datagrams; each peer's datagrams
// are concatenated and decoded as a message stream.
type UDPListener struct {
	peerHandler
	cfg     ListenerConfig
	conn    *net.UDPConn
	decoder *protocol.Decoder
	ready   chan struct{}

	mu    sync.Mutex
	peers map[string]*udpPeer
}

type udpPeer struct {
	conn    *Conn
	backlog []byte
}

// NewUDPListener creates a new UDP listener.
func NewUDPListener(cfg ListenerConfig, iface *NetworkInterface, channels *ChannelRegistry,
	messages *protocol.Registry, eventBus *events.EventBus) *UDPListener {
	return &UDPListener{
		peerHandler: peerHandler{
			iface:    iface,
			channels: channels,
			messages: messages,
			eventBus: eventBus,
			logger:   log.With().Str("component", "udp_listener").Logger(),
		},
		cfg:     cfg,
		decoder: protocol.NewDecoder(messages, iface.Config().DecoderConfig()),
		ready:   make(chan struct{}),
		peers:   make(map[string]*udpPeer),
	}
}

// Start binds the socket and reads datagrams until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	lc := ListenConfig(l.cfg.SendBufferSize)
	pc, err := lc.ListenPacket(ctx, "udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener on %s: %w", l.cfg.Addr, err)
	}
	l.conn = pc.(*net.UDPConn)
	close(l.ready)

	l.logger.Info().Str("addr", l.conn.LocalAddr().String()).Msg("UDP listener started")

	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	buf := make([]byte, 64*1024)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("UDP listener stopping")
				l.closePeers(ctx)
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				l.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}
		if n == 0 {
			continue
		}
		l.receive(ctx, remote, buf[:n])
	}
}

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address. It is valid after Ready.
func (l *UDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Channel returns the datagram channel to remote, creating it if needed.
func (l *UDPListener) Channel(ctx context.Context, remote net.Addr) (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.peerLocked(ctx, remote)
	if err != nil {
		return nil, err
	}
	return p.conn, nil
}

func (l *UDPListener) peerLocked(ctx context.Context, remote net.Addr) (*udpPeer, error) {
	key := remote.String()
	if p, ok := l.peers[key]; ok && !p.conn.IsClosed() {
		return p, nil
	}

	c, err := NewDatagramConn(l.conn, remote, l.iface)
	if err != nil {
		return nil, err
	}
	p := &udpPeer{conn: c}
	l.peers[key] = p
	l.open(ctx, c)
	return p, nil
}

func (l *UDPListener) receive(ctx context.Context, remote *net.UDPAddr, data []byte) {
	l.mu.Lock()
	p, err := l.peerLocked(ctx, remote)
	if err != nil {
		l.mu.Unlock()
		l.logger.Error().Err(err).Str("remote", remote.String()).Msg("failed to create datagram channel")
		return
	}

	p.backlog = append(p.backlog, data...)
	var msgs []protocol.Message
	for len(p.backlog) > 0 {
		msg, n, err := l.decoder.Decode(p.backlog)
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("channel", p.conn.id).Int("dropped", len(p.backlog)).Msg("undecodable datagram data")
			p.backlog = p.backlog[:0]
			break
		}
		msgs = append(msgs, msg)
		p.backlog = p.backlog[n:]
	}
	if len(p.backlog) > maxDatagramBacklog {
		l.logger.Warn().Str("channel", p.conn.id).Int("dropped", len(p.backlog)).Msg("datagram backlog overflow")
		p.backlog = p.backlog[:0]
	}
	if len(p.backlog) == 0 {
		p.backlog = p.backlog[:0:0]
	}
	c := p.conn
	l.mu.Unlock()

	c.Touch()
	for _, msg := range msgs {
		l.deliver(ctx, c, msg)
	}
}

func (l *UDPListener) closePeers(ctx context.Context) {
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[string]*udpPeer)
	l.mu.Unlock()

	for _, p := range peers {
		l.close(ctx, p.conn, "closed")
	}
}

// Stop closes the UDP socket.
func (l *UDPListener) Stop() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
