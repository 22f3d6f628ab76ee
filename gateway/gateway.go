// Package gateway is the HTTP surface of the relay: REST endpoints for
// device commands, server-sent event streams for live log and lock
// viewing, and the metrics/health endpoints.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/random"

	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/relay"
)

// Logger receives diagnostic output from the gateway
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) { log.Printf("[GATEWAY] "+format, v...) }
func (defaultLogger) Errorf(format string, v ...any) { log.Printf("[GATEWAY] ERROR: "+format, v...) }
func (defaultLogger) Debugf(format string, v ...any) {}

// Healther reports whether a dependency is usable. Both bus clients
// satisfy it.
type Healther interface {
	IsHealthy() bool
}

// Server is the HTTP API server
type Server struct {
	echo           *echo.Echo
	port           int
	logger         Logger
	commandTimeout time.Duration
	dependencies   map[string]Healther
}

// ServerOption customizes a Server
type ServerOption func(*Server)

// WithServerLogger sets the diagnostic logger
func WithServerLogger(logger Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCommandTimeout bounds single-shot command requests
func WithCommandTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.commandTimeout = timeout
		}
	}
}

// WithDependency registers a named dependency for the health endpoint
func WithDependency(name string, dep Healther) ServerOption {
	return func(s *Server) {
		if dep != nil {
			s.dependencies[name] = dep
		}
	}
}

// NewServer creates the API server and registers all routes
func NewServer(
	port int,
	correlator *relay.Correlator,
	registry *relay.Registry,
	tracker *relay.LockTracker,
	metrics *metric.MetricsRegistry,
	opts ...ServerOption,
) *Server {
	s := &Server{
		echo:           newEcho(),
		port:           port,
		logger:         defaultLogger{},
		commandTimeout: relay.DefaultCommandTimeout,
		dependencies:   make(map[string]Healther),
	}
	for _, opt := range opts {
		opt(s)
	}

	h := &handlers{
		correlator: correlator,
		registry:   registry,
		tracker:    tracker,
		metrics:    metrics,
		logger:     s.logger,
		timeout:    s.commandTimeout,
	}
	s.registerRoutes(h, metrics)
	return s
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestID())
	e.Use(middleware.Recover())
	return e
}

// requestID tags every response so a viewer report can be matched to logs
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = random.String(12)
			}
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}

func (s *Server) registerRoutes(h *handlers, metrics *metric.MetricsRegistry) {
	e := s.echo

	e.POST("/api/vehicles/lock", h.lockVehicle)
	e.POST("/api/devices/reset", h.resetDevice)

	e.POST("/api/logs/:serial/retrieve", h.retrieveLogs)
	e.GET("/api/logs/:serial/retrieve/stream", h.streamLogs)
	e.POST("/api/logs/:serial/retrieve/stream/stop", h.stopLogStream)

	e.GET("/api/stream/:serial/:kind", h.streamKind)
	e.POST("/api/stream/:serial/:kind/stop", h.stopKindStream)

	e.GET("/api/lockstatus/:serial", h.lockStatus)

	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	e.GET("/healthz", s.healthz)
}

// Echo exposes the router for tests
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Printf("api listening on :%d", s.port)
	if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	status := http.StatusOK
	deps := make(map[string]bool, len(s.dependencies))
	for name, dep := range s.dependencies {
		healthy := dep.IsHealthy()
		deps[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
		}
	}
	body := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	return c.JSON(status, body)
}
