// Package api serves the dashboard's HTTP and websocket surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"algotrader/internal/engine"
	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/monitor"
)

// SettingsStore is the slice of *settings.Settings the API exposes.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
	Reset(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Engine            engine.Service
	Settings          SettingsStore
	Bus               *events.Bus
	Metrics           *monitor.Metrics
	JWTSecret         string
	AdminUser         string
	AdminPasswordHash string
	RequestTimeout    time.Duration
}

// Server wires HTTP endpoints around the trading core.
type Server struct {
	Router   *gin.Engine
	Engine   engine.Service
	Settings SettingsStore
	Bus      *events.Bus
	Metrics  *monitor.Metrics

	jwtSecret string
	adminUser string
	adminHash string
	limiter   *ipLimiter
}

func NewServer(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = "admin"
	}

	r := gin.New()
	s := &Server{
		Router:    r,
		Engine:    cfg.Engine,
		Settings:  cfg.Settings,
		Bus:       cfg.Bus,
		Metrics:   cfg.Metrics,
		jwtSecret: cfg.JWTSecret,
		adminUser: cfg.AdminUser,
		adminHash: cfg.AdminPasswordHash,
		limiter:   newIPLimiter(20, 50),
	}

	// Order matters: recovery first, logging after the request id is set.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(cfg.Metrics))
	r.Use(RateLimitMiddleware(s.limiter))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/capital", s.getCapital)
			protected.GET("/trades/open", s.getOpenTrades)
			protected.GET("/trades/closed", s.getClosedTrades)
			protected.GET("/pnl/daily", s.getDailyPnL)
			protected.GET("/stats", s.getStats)
			protected.GET("/risk", s.getRisk)
			protected.GET("/positions", s.getPositions)
			protected.GET("/metrics", s.getMetrics)

			protected.POST("/orders", s.placeOrder)
			protected.POST("/positions/:symbol/close", s.closePosition)

			protected.GET("/settings", s.getSettings)
			protected.PUT("/settings", s.putSettings)
			protected.POST("/settings/reset", s.resetSettings)
		}
	}

	// Browsers cannot set headers on a websocket handshake, so the token
	// may also arrive as ?token=.
	s.Router.GET("/ws", AuthMiddleware(s.jwtSecret), s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("[api] listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Infof("[api] shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
