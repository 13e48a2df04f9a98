package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/protocol"
)

// ListenerConfig configures a TCP or UDP listener.
type ListenerConfig struct {
	Addr string

	// SendBufferSize sets SO_SNDBUF on accepted and dialed sockets. Zero
	// keeps the OS default.
	SendBufferSize int

	// ReadTimeout closes a stream channel idle for this long. Zero disables it.
	ReadTimeout time.Duration
}

// peerHandler turns inbound bytes into messages and channel events. It is
// shared by the listeners and the connector.
type peerHandler struct {
	iface    *NetworkInterface
	channels *ChannelRegistry
	messages *protocol.Registry
	eventBus *events.EventBus
	logger   zerolog.Logger
}

func (h *peerHandler) emitChannel(ctx context.Context, t events.EventType, c *Conn, reason string) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Emit(ctx, events.Event{
		Type:   t,
		Source: c.id,
		Payload: events.ChannelPayload{
			ID:     c.id,
			Kind:   c.kind.String(),
			Remote: c.remote.String(),
			Reason: reason,
		},
	})
}

func (h *peerHandler) open(ctx context.Context, c *Conn) {
	h.channels.Register(c)
	h.emitChannel(ctx, events.EventChannelOpened, c, "")
	h.logger.Info().Str("channel", c.id).Msg("channel opened")
}

func (h *peerHandler) close(ctx context.Context, c *Conn, reason string) {
	h.channels.Unregister(c.id)
	h.emitChannel(ctx, events.EventChannelClosed, c, reason)
}

// deliver records and publishes one inbound message.
func (h *peerHandler) deliver(ctx context.Context, c *Conn, msg protocol.Message) {
	c.Touch()
	cfg := h.iface.Config()
	size := msg.Size(cfg.AlwaysContainLength)
	cfg.Stats.TrackMessage(Inbound, msg.Descriptor, size)

	if h.eventBus == nil {
		return
	}
	h.eventBus.Emit(ctx, events.Event{
		Type:   events.EventMessageReceived,
		Source: c.id,
		Payload: events.MessagePayload{
			Channel:   c.id,
			MessageID: uint16(msg.Descriptor.ID),
			Name:      msg.Descriptor.Name,
			Size:      size,
			Payload:   msg.Payload,
		},
	})
}

// serveStream reads messages from a stream channel until it fails or ctx
// ends, then unregisters the channel.
func (h *peerHandler) serveStream(ctx context.Context, c *Conn, readTimeout time.Duration) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	reason := "eof"
	defer func() { h.close(ctx, c, reason) }()

	reader := protocol.NewReader(c.conn, h.messages, h.iface.Config().DecoderConfig())
	for {
		if readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		msg, err := reader.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				reason = "eof"
			case c.IsClosed() || errors.Is(err, net.ErrClosed):
				reason = "closed"
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = "timeout"
				h.logger.Warn().Str("channel", c.id).Dur("timeout", readTimeout).Msg("channel idle, closing")
			default:
				reason = "error"
				h.logger.Error().Err(err).Str("channel", c.id).Msg("read error, closing channel")
			}
			return
		}

		h.deliver(ctx, c, msg)
	}
}
