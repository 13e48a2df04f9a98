package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/protocol"
)

// TCPListener accepts stream channels and decodes the messages they carry.
type TCPListener struct {
	peerHandler
	cfg      ListenerConfig
	listener net.Listener
	ready    chan struct{}
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg ListenerConfig, iface *NetworkInterface, channels *ChannelRegistry,
	messages *protocol.Registry, eventBus *events.EventBus) *TCPListener {
	return &TCPListener{
		peerHandler: peerHandler{
			iface:    iface,
			channels: channels,
			messages: messages,
			eventBus: eventBus,
			logger:   log.With().Str("component", "tcp_listener").Logger(),
		},
		cfg:   cfg,
		ready: make(chan struct{}),
	}
}

// Start listens and accepts connections until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	lc := ListenConfig(l.cfg.SendBufferSize)
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.cfg.Addr, err)
	}
	close(l.ready)

	l.logger.Info().Str("addr", l.listener.Addr().String()).Msg("TCP listener started")

	stop := context.AfterFunc(ctx, func() { l.listener.Close() })
	defer stop()

	for {
		raw, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("TCP listener stopping")
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				l.logger.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		c, err := NewStreamConn(raw, l.iface)
		if err != nil {
			l.logger.Error().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("failed to wrap connection")
			raw.Close()
			continue
		}
		l.open(ctx, c)
		go l.serveStream(ctx, c, l.cfg.ReadTimeout)
	}
}

// Ready is closed once the listener is bound.
func (l *TCPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address. It is valid after Ready.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Stop closes the listener socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Connector keeps outbound stream channels to configured peers open,
// redialing after a failure.
type Connector struct {
	peerHandler
	sendBuffer    int
	retryInterval time.Duration
}

// NewConnector creates a connector redialing every retryInterval.
func NewConnector(iface *NetworkInterface, channels *ChannelRegistry, messages *protocol.Registry,
	eventBus *events.EventBus, sendBuffer int, retryInterval time.Duration) *Connector {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Connector{
		peerHandler: peerHandler{
			iface:    iface,
			channels: channels,
			messages: messages,
			eventBus: eventBus,
			logger:   log.With().Str("component", "connector").Logger(),
		},
		sendBuffer:    sendBuffer,
		retryInterval: retryInterval,
	}
}

// Dial opens a stream channel to addr and serves it in the background.
func (cn *Connector) Dial(ctx context.Context, addr string) (*Conn, error) {
	raw, err := Dialer(cn.sendBuffer).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c, err := NewStreamConn(raw, cn.iface)
	if err != nil {
		raw.Close()
		return nil, err
	}
	cn.open(ctx, c)
	go cn.serveStream(ctx, c, 0)
	return c, nil
}

// Run keeps one channel open to every address until ctx is cancelled.
func (cn *Connector) Run(ctx context.Context, addrs []string) error {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn.maintain(ctx, addr)
		}()
	}
	wg.Wait()
	return nil
}

func (cn *Connector) maintain(ctx context.Context, addr string) {
	logger := cn.logger.With().Str("peer", addr).Logger()
	for {
		raw, err := Dialer(cn.sendBuffer).DialContext(ctx, "tcp", addr)
		if err == nil {
			var c *Conn
			c, err = NewStreamConn(raw, cn.iface)
			if err == nil {
				cn.open(ctx, c)
				cn.serveStream(ctx, c, 0)
			} else {
				raw.Close()
			}
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Dur("retry_in", cn.retryInterval).Msg("peer unreachable")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cn.retryInterval):
		}
	}
}
