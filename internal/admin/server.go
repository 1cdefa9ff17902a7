// Package admin serves the read-mostly introspection API: health, queue
// depth, dead letters, cache statistics, results and batch leaderboards.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/ranking"
	"github.com/ahrav/go-evalpipe/internal/store"
)

// Inspector is the broker surface exposed over HTTP.
type Inspector interface {
	Queues() []string
	QueueDepth(ctx context.Context, queue string) (queue.Depth, error)
	DeadLetters(ctx context.Context, queue string, count int64) ([]queue.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, queue, id string) (string, error)
}

// Pinger reports whether the node's dependencies are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the admin API reads from. Cache may be nil.
type Deps struct {
	Broker  Inspector
	Health  Pinger
	Cache   *cache.Store
	Store   store.Store
	Ranking *ranking.Aggregator
}

// Server is the admin HTTP server.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 1000
	pingTimeout     = 3 * time.Second
)

// New builds the server and its routes.
func New(cfg configuration.AdminConfig, deps Deps) *Server {
	gin.SetMode(cfg.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		engine: engine,
		http:   &http.Server{Addr: cfg.Addr, Handler: engine, ReadHeaderTimeout: 5 * time.Second},
		logger: slog.Default().With("component", "admin"),
	}
	engine.Use(s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	queues := s.engine.Group("/queues")
	queues.GET("", s.listQueues)
	queues.GET("/:name", s.queueDepth)
	queues.GET("/:name/dlq", s.deadLetters)
	queues.POST("/:name/dlq/:id/replay", s.replayDeadLetter)

	s.engine.GET("/cache/stats", s.cacheStats)
	s.engine.GET("/results/:subject", s.result)
	s.engine.GET("/batches/:id", s.leaderboard)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
