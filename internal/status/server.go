// Package status serves live pipeline counters and Prometheus metrics over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/types"
)

// Provider is the view of a running pipeline the server reports on.
type Provider interface {
	Snapshot() pipeline.Summary
	Pending() []types.PendingRequest
}

// Server wraps the HTTP server with its dependencies.
type Server struct {
	router   *gin.Engine
	provider Provider
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New builds the router. A nil metrics disables /metrics.
func New(provider Provider, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{provider: provider, metrics: m, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.GET("/v1/pending", s.handlePending)
	}
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router = router
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("status server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshot())
}

func (s *Server) handlePending(c *gin.Context) {
	pending := s.provider.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"total":   len(pending),
	})
}
