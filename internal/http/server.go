// Package http provides the patternd HTTP surface: health and metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthChecker reports whether a component is able to serve. Satisfied by
// the store (database ping) and the NATS connection wrapper.
type HealthChecker interface {
	Name() string
	Healthy(ctx context.Context) error
}

// Server serves /health and /metrics.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	port     int
	checkers []HealthChecker
}

// NewServer creates the HTTP server. Checkers are probed on every /health
// request.
func NewServer(port int, logger *zap.Logger, checkers ...HealthChecker) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger.Named("http"),
		port:     port,
		checkers: checkers,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return s, nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	if len(s.checkers) > 0 {
		resp.Components = make(map[string]string, len(s.checkers))
	}
	status := http.StatusOK
	for _, checker := range s.checkers {
		if err := checker.Healthy(ctx); err != nil {
			resp.Components[checker.Name()] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[checker.Name()] = "ok"
	}
	return c.JSON(status, resp)
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
