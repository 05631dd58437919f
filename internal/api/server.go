// Package api serves the operational HTTP surface of a schedd process:
// health, Prometheus metrics and job store statistics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"schedd/internal/api/middlewares"
	"schedd/internal/config"
	"schedd/internal/errors"
	"schedd/internal/store"
)

// StatsSource reports job store counters.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// QueueSource reports the delivery backlog.
type QueueSource interface {
	Len(ctx context.Context) (int64, error)
}

// EngineState reports whether the local engine is running.
type EngineState interface {
	Running() bool
}

type Server struct {
	router *gin.Engine
	srv    *http.Server
	rdb    redis.UniversalClient
	stats  StatsSource
	queue  QueueSource
	engine EngineState
	log    *zap.SugaredLogger
}

func NewServer(cfg config.OpsConfig, rdb redis.UniversalClient, stats StatsSource, queue QueueSource, engine EngineState, log *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger(log), middlewares.RateLimitMiddleware(cfg.RateLimit))

	s := &Server{
		router: r,
		rdb:    rdb,
		stats:  stats,
		queue:  queue,
		engine: engine,
		log:    log,
	}

	r.GET("/healthz", s.health)
	r.GET("/stats", s.statsHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.log.Infow("Ops server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ops server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	if err := s.rdb.Ping(c.Request.Context()).Err(); err != nil {
		s.log.Errorw("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine_running": s.engine.Running()})
}

func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.stats.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": errors.Code(err)})
		return
	}
	backlog, err := s.queue.Len(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": errors.Code(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":           st.Jobs,
		"scheduled":      st.Scheduled,
		"pending":        st.Pending,
		"delivery_queue": backlog,
		"engine_running": s.engine.Running(),
	})
}
