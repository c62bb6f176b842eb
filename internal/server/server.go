// Package server exposes a running pipeline over HTTP: health, statistics,
// resolved geometry, per-stage request toggles and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/logging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/params"
)

const shutdownTimeout = 2 * time.Second

// Pipeline is the part of a factory the server reads and controls.
type Pipeline interface {
	Variant() factory.Variant
	State() factory.State
	Stats() factory.Stats
	Request(id frame.StageID) bool
	SetRequest(id frame.StageID, on bool) error
}

// Options configures a Server.
type Options struct {
	Pipeline Pipeline

	// Params resolves the geometry served on /geometry.
	Params params.Provider

	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP status server.
type Server struct {
	router   *gin.Engine
	pipeline Pipeline
	params   params.Provider
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if opts.Params == nil {
		opts.Params = params.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:   gin.New(),
		pipeline: opts.Pipeline,
		params:   opts.Params,
		metrics:  opts.Metrics,
		log:      logging.OrNop(opts.Logger).Named("server"),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.observe())

	s.router.GET("/healthz", s.health)
	s.router.GET("/stats", s.stats)
	s.router.GET("/geometry", s.geometry)
	s.router.GET("/stages/:stage/request", s.getRequest)
	s.router.PUT("/stages/:stage/request", s.putRequest)
	if opts.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("status server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

// observe records request metrics and logs at debug level.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(status), elapsed)
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		)
	}
}
