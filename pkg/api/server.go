// Package api provides the HTTP admin API for a channel server
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/network"
)

// Server exposes channel and client administration over HTTP
type Server struct {
	srv        *network.Server
	router     *gin.Engine
	limiter    *RateLimiter
	cfg        Config
	log        zerolog.Logger
	httpServer *http.Server
}

// Config holds admin API configuration
type Config struct {
	Listen       string
	AllowOrigins []string
	RateLimit    int // Requests per minute per client IP. Zero disables.
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default admin API configuration
func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:8653",
		AllowOrigins: []string{"*"},
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates an admin API for srv
func NewServer(srv *network.Server, cfg Config, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		srv:    srv,
		router: gin.New(),
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestLogger(s.log))
	if len(s.cfg.AllowOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "X-API-Key"},
			MaxAge:       12 * time.Hour,
		}))
	}
	if s.cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.cfg.RateLimit, time.Minute)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if s.cfg.Token != "" {
		v1.Use(AuthMiddleware(s.cfg.Token))
	}
	{
		channels := v1.Group("/channels")
		{
			channels.GET("", s.handleListChannels)
			channels.POST("", s.handleCreateChannel)
			channels.GET("/:name", s.handleGetChannel)
			channels.POST("/:name/publish", s.handlePublishChannel)
			channels.POST("/:name/messages", s.handleChannelMessage)
			channels.DELETE("/:name", s.handleCloseChannel)
		}

		clients := v1.Group("/clients")
		{
			clients.GET("", s.handleListClients)
			clients.DELETE("/:id", s.handleDisconnectClient)
		}

		v1.POST("/broadcast", s.handleBroadcast)
		v1.GET("/stats", s.handleStats)
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down admin API")
	return s.Stop()
}

// Stop shuts the HTTP server down
func (s *Server) Stop() error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
