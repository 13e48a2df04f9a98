package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

// SendRequest names a message and its payload. Payload is base64 in JSON;
// Text is a convenience for textual payloads and wins when both are set.
type SendRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message" binding:"required"`
	Payload []byte `json:"payload"`
	Text    string `json:"text"`
}

func (r SendRequest) body() []byte {
	if r.Text != "" {
		return []byte(r.Text)
	}
	return r.Payload
}

// transmitResponse renders a transmit result.
func transmitResponse(channel string, res network.TransmitResult) gin.H {
	h := gin.H{
		"channel":   channel,
		"packets":   res.Packets,
		"bytes":     res.Bytes,
		"delivered": res.OK(),
	}
	if discarded := res.DiscardedIndexes(); len(discarded) > 0 {
		h["discarded"] = discarded
	}
	return h
}

func (s *Server) bindSend(c *gin.Context) (SendRequest, *protocol.MessageDescriptor, bool) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, nil, false
	}
	desc, ok := s.lookupMessage(req.Message)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found", "message": req.Message})
		return req, nil, false
	}
	return req, desc, true
}

// handleSend sends one message on one channel.
func (s *Server) handleSend(c *gin.Context) {
	req, desc, ok := s.bindSend(c)
	if !ok {
		return
	}
	ch, ok := s.channels.Get(req.Channel)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found", "channel": req.Channel})
		return
	}

	res, err := ch.Send(desc, req.body())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().
		Str("channel", req.Channel).
		Str("message", desc.Name).
		Int("bytes", res.Bytes).
		Msg("API: message sent")
	c.JSON(http.StatusOK, transmitResponse(req.Channel, res))
}

// handleBroadcast sends one message on every open channel.
func (s *Server) handleBroadcast(c *gin.Context) {
	req, desc, ok := s.bindSend(c)
	if !ok {
		return
	}

	results := s.channels.Broadcast(desc, req.body())
	out := make([]gin.H, 0, len(results))
	for id, res := range results {
		out = append(out, transmitResponse(id, res))
	}

	s.logger.Info().
		Str("message", desc.Name).
		Int("channels", len(results)).
		Msg("API: message broadcast")
	c.JSON(http.StatusOK, gin.H{
		"results": out,
		"total":   len(out),
	})
}

// handleCloseChannel closes and unregisters one channel.
func (s *Server) handleCloseChannel(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.channels.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	s.channels.Unregister(id)

	s.logger.Info().Str("channel", id).Msg("API: channel closed")
	c.JSON(http.StatusOK, gin.H{"status": "closed", "channel": id})
}

// handleResetStats clears the live traffic counters.
func (s *Server) handleResetStats(c *gin.Context) {
	s.iface.Stats().Reset()
	s.logger.Info().Msg("API: stats reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
