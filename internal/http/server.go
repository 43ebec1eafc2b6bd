// Package http provides the HTTP API for flowd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/contextstore"
	"github.com/fyrsmithlabs/flowd/internal/engine"
	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// Server exposes the session engine over HTTP.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	log    *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server around a running engine.
func NewServer(eng *engine.Engine, log *logging.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(log).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		log:    log,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/v1")
	v1.POST("/sessions", s.handleSubmit)
	v1.GET("/sessions/:id", s.handleStatus)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.GET("/sessions/:id/audit", s.handleAudit)
	v1.GET("/templates", s.handleTemplates)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit creates a session from a plan template. Configuration errors
// are the caller's to fix: an unknown template or a malformed payload key is a
// 400, a capability no registered specialist serves is a 422.
func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.log.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Template == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "template field is required")
	}

	id, err := s.engine.Submit(req.Template, req.Payload)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownTemplate), errors.Is(err, contextstore.ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoCapability):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrEngineClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error(c.Request().Context(), "submit failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "submit failed")
	}

	return c.JSON(http.StatusCreated, SubmitResponse{SessionID: id})
}

// handleStatus returns the live view of one session.
func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.engine.GetStatus(c.Param("id"))
	if errors.Is(err, engine.ErrUnknownSession) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		s.log.Error(c.Request().Context(), "status lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status lookup failed")
	}
	return c.JSON(http.StatusOK, st)
}

// handleCancel requests cooperative cancellation. Cancelling a session that is
// already terminal is a conflict, not an idempotent no-op: the caller's view
// of the session is stale.
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	err := s.engine.Cancel(id)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownSession):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSessionTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.log.Error(c.Request().Context(), "cancel failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "cancel failed")
	}

	return c.JSON(http.StatusAccepted, CancelResponse{SessionID: id, Status: "cancelling"})
}

// handleAudit serves one page of a session's audit trail. The after_seq and
// limit query parameters page the export; resending the returned next_seq
// resumes where the previous page stopped.
func (s *Server) handleAudit(c echo.Context) error {
	id := c.Param("id")

	var afterSeq uint64
	if raw := c.QueryParam("after_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = v
	}
	var limit int
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = v
	}

	events, err := s.engine.Audit().Export(id, afterSeq, limit)
	if errors.Is(err, audit.ErrUnknownSession) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		s.log.Error(c.Request().Context(), "audit export failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "audit export failed")
	}

	next := afterSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return c.JSON(http.StatusOK, AuditResponse{SessionID: id, Events: events, NextSeq: next})
}

// handleTemplates lists the plan templates the daemon accepts.
func (s *Server) handleTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, TemplatesResponse{Templates: s.engine.Templates()})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
