package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courier-project/courier/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "courier",
		"version": Version,
	})
}

// handleGetInfo returns the node identity and host description.
func (s *Server) handleGetInfo(c *gin.Context) {
	node := s.cfg.GetNode()
	c.JSON(http.StatusOK, gin.H{
		"name":     node.Name,
		"version":  Version,
		"tcp_addr": node.TCPAddr,
		"udp_addr": node.UDPAddr,
		"channels": s.channels.Count(),
		"messages": s.messages.Count(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"system":   util.GetSystemInfo(),
	})
}
