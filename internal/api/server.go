// Package api provides the leasepool HTTP API: health, queue and pool
// statistics, message submission and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/models"
	"github.com/fentz26/leasepool/internal/pool"
	"github.com/fentz26/leasepool/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	defaultPeekLimit = 20
	maxPeekLimit     = 500
	shutdownTimeout  = 10 * time.Second
)

// StatsSource reports live pool statistics.
type StatsSource interface {
	Stats() pool.Stats
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// StatsResponse is the /stats payload.
type StatsResponse struct {
	Pool   *pool.Stats         `json:"pool,omitempty"`
	Queues []models.QueueStats `json:"queues"`
	Time   string              `json:"time"`
}

// EnqueueRequest is the POST /queues/:queue/messages body.
type EnqueueRequest struct {
	Messages []json.RawMessage `json:"messages" binding:"required"`
	Delay    string            `json:"delay"`
}

// Server provides the HTTP API.
type Server struct {
	store    *store.Store
	pool     StatsSource
	gatherer prometheus.Gatherer
	addr     string
	logger   logr.Logger
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithPool exposes the stats of a running pool.
func WithPool(p StatsSource) Option {
	return func(s *Server) { s.pool = p }
}

// WithGatherer serves the registry's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new HTTP server.
func NewServer(st *store.Store, addr string, opts ...Option) *Server {
	s := &Server{
		store:  st,
		addr:   addr,
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.POST("/queues/:queue/messages", s.handleEnqueue)
	r.GET("/queues/:queue/messages", s.handlePeek)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.V(logging.DEBUG).Info("Request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	queues, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if queues == nil {
		queues = []models.QueueStats{}
	}
	resp := StatsResponse{Queues: queues, Time: time.Now().UTC().Format(time.RFC3339)}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.Pool = &st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
			return
		}
		delay = d
	}

	items := make([][]byte, 0, len(req.Messages))
	for i, m := range req.Messages {
		if len(m) == 0 || !json.Valid(m) || string(m) == "null" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message", "index": i})
			return
		}
		items = append(items, m)
	}

	q, err := s.store.Queue(c.Param("queue"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := q.PushBatch(c.Request.Context(), items, delay); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue": q.Name(), "count": len(items)})
}

func (s *Server) handlePeek(c *gin.Context) {
	limit := defaultPeekLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPeekLimit)
	}

	msgs, err := s.store.Peek(c.Request.Context(), c.Param("queue"), limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidQueueName) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}
