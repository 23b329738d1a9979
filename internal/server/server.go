// Package server implements the stockwatch HTTP API: trigger endpoints for
// poll and digest runs, the SSE event stream, and admin operations. All
// endpoints are gated by a shared secret.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stockwatch/internal/breaker"
	"stockwatch/internal/config"
	"stockwatch/internal/metrics"
	"stockwatch/internal/models"
	"stockwatch/internal/notify"
	"stockwatch/internal/registry"
	"stockwatch/internal/store"
)

// Pollster runs one availability sweep. *poller.Poller satisfies this.
type Pollster interface {
	PollAll(ctx context.Context) *models.PollReport
}

// Enqueuer fans one change event out to subscribers. *notify.Queue satisfies
// this.
type Enqueuer interface {
	Enqueue(event models.StatusChangeEvent) (int, error)
}

// DigestRunner drains pending notifications. *notify.Batcher satisfies this.
type DigestRunner interface {
	RunBatch(ctx context.Context, maxUsers int) *models.DigestSummary
}

// Server is the stockwatch API server.
type Server struct {
	cfg         *config.Config
	poller      Pollster
	queue       Enqueuer
	batcher     DigestRunner
	limiter     *notify.TieredLimiter
	breaker     *breaker.Breaker
	registry    *registry.Registry
	broadcaster *registry.Broadcaster
	snapshot    *store.SnapshotDiff
	store       store.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger

	httpServer *http.Server
}

// New creates the API server and wires its routes.
func New(
	cfg *config.Config,
	p Pollster,
	queue Enqueuer,
	batcher DigestRunner,
	limiter *notify.TieredLimiter,
	b *breaker.Breaker,
	reg *registry.Registry,
	broadcaster *registry.Broadcaster,
	snapshot *store.SnapshotDiff,
	s store.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	srv := &Server{
		cfg:         cfg,
		poller:      p,
		queue:       queue,
		batcher:     batcher,
		limiter:     limiter,
		breaker:     b,
		registry:    reg,
		broadcaster: broadcaster,
		snapshot:    snapshot,
		store:       s,
		metrics:     m,
		logger:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), srv.requestLogger())

	api := router.Group("/api", srv.requireSecret())
	api.POST("/poll", srv.handlePoll)
	api.POST("/digest", srv.handleDigest)
	api.GET("/stream", srv.handleStream)
	api.POST("/admin/sweep", srv.handleSweep)
	api.POST("/admin/broadcast", srv.handleBroadcast)

	srv.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	return srv
}

// Handler exposes the underlying HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. It blocks until the server is stopped
// or encounters a fatal error. ErrServerClosed is not returned.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request after it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
