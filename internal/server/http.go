// Package server exposes the broker over HTTP with Echo.
package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBodySizeLimit caps request bodies at 1MB; choose requests are
// small candidate lists, never payloads.
const DefaultBodySizeLimit int64 = 1 << 20

// Config holds the HTTP surface options.
type Config struct {
	MasterKey      string
	MetricsEnabled bool
	BodySizeLimit  int64
}

// Server wraps the Echo instance.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// New builds the server and its routes. gatherer may be nil to serve the
// default Prometheus registry.
func New(handler *Handler, cfg *Config, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(RequestContextMiddleware())

	bodyLimit := DefaultBodySizeLimit
	if cfg != nil && cfg.BodySizeLimit > 0 {
		bodyLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodyLimit, 10)))

	authSkipPaths := []string{"/health"}
	if cfg != nil && cfg.MetricsEnabled {
		authSkipPaths = append(authSkipPaths, "/metrics")
	}
	if cfg != nil && cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/v1/models", handler.Models)
	e.POST("/v1/choose", handler.Choose)
	e.GET("/v1/availability", handler.Availability)
	e.GET("/v1/queue", handler.Queue)
	e.GET("/v1/diagnostics", handler.Diagnostics)

	return &Server{echo: e, handler: handler}
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
