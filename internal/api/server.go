package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/db"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/health"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
	"github.com/courier-project/courier/internal/util"
)

// Version is reported by the ping and info endpoints.
const Version = "1.0.0"

// gin keeps its mode in a process global.
var ginMode sync.Once

// HistoryStore reads persisted traffic history.
type HistoryStore interface {
	LatestSnapshots(limit int) ([]db.SnapshotRecord, error)
	SnapshotMessages(snapshotID int64) ([]db.MessageRecord, error)
	MessageHistory(id protocol.MessageID, limit int) ([]db.MessageRecord, error)
	RecentDiscards(limit int) ([]db.DiscardRecord, error)
}

// HealthReporter exposes the latest health report.
type HealthReporter interface {
	Last() (health.Report, bool)
}

// Server is the admin REST API of a Courier node.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	iface    *network.NetworkInterface
	channels *network.ChannelRegistry
	messages *protocol.Registry
	store    HistoryStore
	health   HealthReporter
	logger   zerolog.Logger

	startedAt  time.Time
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. store may be nil when history is
// not persisted.
func NewServer(cfg *config.Config, eventBus *events.EventBus, iface *network.NetworkInterface,
	channels *network.ChannelRegistry, messages *protocol.Registry, store HistoryStore) *Server {
	ginMode.Do(func() {
		if cfg.GetLogging().Level == "debug" {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	s := &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		iface:     iface,
		channels:  channels,
		messages:  messages,
		store:     store,
		logger:    util.ComponentLogger("api"),
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// SetHealth attaches the health check manager.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := network.ListenConfig(0)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	apiCfg := s.cfg.GetAPI()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(AdminHeaders(s.cfg.GetNode().Name))

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewClientLimiter(apiCfg.RateLimitRPS).Limit())

	auth := NewAuthMiddleware(apiCfg.Token)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/stats/messages/:id", s.handleGetMessageStats)
		monitor.GET("/pools", s.handleGetPools)
		monitor.GET("/channels", s.handleGetChannels)
		monitor.GET("/channels/:id", s.handleGetChannel)
		monitor.GET("/messages", s.handleGetMessages)
		monitor.GET("/history/snapshots", s.handleGetSnapshots)
		monitor.GET("/history/snapshots/:id", s.handleGetSnapshot)
		monitor.GET("/history/messages/:id", s.handleGetMessageHistory)
		monitor.GET("/history/discards", s.handleGetDiscards)
		monitor.GET("/health", s.handleGetHealth)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/log_entries", s.handleGetLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/send", s.handleSend)
		control.POST("/broadcast", s.handleBroadcast)
		control.POST("/channels/:id/close", s.handleCloseChannel)
		control.POST("/stats/reset", s.handleResetStats)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/packet", s.handleUpdatePacket)
		configure.POST("/messages", s.handleAddMessage)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Courier API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
