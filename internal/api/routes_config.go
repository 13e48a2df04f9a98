package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/protocol"
)

// handleGetConfig returns the current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	api := s.cfg.GetAPI()
	api.Token = ""
	c.JSON(http.StatusOK, gin.H{
		"node":     s.cfg.GetNode(),
		"packet":   s.cfg.GetPacket(),
		"messages": s.cfg.GetMessages(),
		"api":      api,
		"mqtt":     s.cfg.GetMQTT(),
		"database": s.cfg.GetDatabase(),
		"timers":   s.cfg.GetTimers(),
		"logging":  s.cfg.GetLogging(),
	})
}

type fieldUpdate struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleUpdatePacket updates one packet policy field. Bundles pick up the
// new policy after a restart.
func (s *Server) handleUpdatePacket(c *gin.Context) {
	var req fieldUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetPacket()
	if err := s.cfg.UpdatePacketField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetPacket(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Errors[0].Error()})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "packet",
			Key:     req.Key,
			Value:   req.Value,
		},
	})

	s.logger.Info().Str("key", req.Key).Interface("value", req.Value).Msg("API: packet policy updated")
	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"packet":           s.cfg.GetPacket(),
		"restart_required": true,
	})
}

// handleAddMessage registers a new message definition. It is decodable
// immediately and persisted for the next start.
func (s *Server) handleAddMessage(c *gin.Context) {
	var def config.MessageDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desc, err := s.messages.Register(protocol.MessageDescriptor{
		ID:     protocol.MessageID(def.ID),
		Name:   def.Name,
		Length: def.Length,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.cfg.AddMessage(def)
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "messages",
			Key:     def.Name,
			Value:   def,
		},
	})

	s.logger.Info().Str("message", desc.String()).Msg("API: message registered")
	c.JSON(http.StatusCreated, gin.H{
		"id":     desc.ID,
		"name":   desc.Name,
		"length": desc.Length,
	})
}
