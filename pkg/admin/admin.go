// Package admin serves a small HTTP API to inspect the slot manager and
// turn admission control on or off at runtime.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

const shutdownTimeout = 5 * time.Second

// Slots is the part of the slot manager the admin API needs.
type Slots interface {
	Stats() slots.Stats
	Status() string
	SetEnabled(enabled bool)
}

// SlotsResponse is the body of GET /slots.
type SlotsResponse struct {
	slots.Stats
	Status string `json:"status"`
}

// EnabledRequest is the body of PUT /slots/enabled.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type Server struct {
	address string
	slots   Slots
	engine  *gin.Engine
	logger  *slog.Logger
}

func New(address string, s Slots, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		address: address,
		slots:   s,
		engine:  gin.New(),
		logger:  logger.With("component", "admin"),
	}
	srv.engine.Use(gin.Recovery())
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	s.engine.GET("/slots", s.getSlots)
	s.engine.PUT("/slots/enabled", s.putEnabled)
}

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) getSlots(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) putEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.slots.SetEnabled(*req.Enabled)
	s.logger.Info("admission control toggled via admin api", "enabled", *req.Enabled, "remote", c.ClientIP())
	c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() SlotsResponse {
	return SlotsResponse{Stats: s.slots.Stats(), Status: s.slots.Status()}
}

// Run serves until ctx ends and then shuts down, giving in-flight requests
// a few seconds to finish.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.address,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server starting", "address", s.address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Error("admin server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("gracefully shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server forced to shutdown", "error", err)
		return err
	}
	return nil
}
