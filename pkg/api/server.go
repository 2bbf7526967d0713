package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/metrics"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/ratelimit"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Server is the HTTP and WebSocket edge of the gateway.
type Server struct {
	cfg     *config.Config
	wh      store.Warehouse
	events  *eventlog.Logger
	auth    *auth.Service
	reader  *consistency.Reader
	orch    *Orchestrator
	manager *events.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	// activationLimiter throttles activation attempts per client IP.
	activationLimiter *ratelimit.Limiter

	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer wires routes and middleware. The orchestrator and connection
// manager are built by the caller so tests can drive them directly.
func NewServer(cfg *config.Config, wh store.Warehouse, evlog *eventlog.Logger,
	authSvc *auth.Service, reader *consistency.Reader, orch *Orchestrator,
	manager *events.Manager, activationLimiter *ratelimit.Limiter,
	m *metrics.Metrics, logger *slog.Logger) *Server {

	s := &Server{
		cfg:               cfg,
		wh:                wh,
		events:            evlog,
		auth:              authSvc,
		reader:            reader,
		orch:              orch,
		manager:           manager,
		activationLimiter: activationLimiter,
		metrics:           m,
		logger:            logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/meta/schema", s.schemaHandler)
	e.GET("/meta/schema.hash", s.schemaHashHandler)
	e.GET("/meta/user", s.userMetaHandler)

	e.POST("/api/validate", s.validateHandler)
	e.POST("/api/query", s.queryHandler)
	e.POST("/api/activity", s.activityHandler)

	e.GET("/activate/:code", s.activationPageHandler)
	e.POST("/activate/:code", s.activationSubmitHandler)

	e.GET("/ws", s.wsHandler)

	metricsHandler := m.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.echo = e
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "port", s.cfg.HTTPPort)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections, flushes the event logger, and closes the
// warehouse session.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if err := s.events.Close(ctx); err != nil {
		s.logger.Warn("failed to flush events on shutdown", "error", err)
	}
	return s.wh.Close(ctx)
}

// securityHeaders sets the standard response hardening headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
