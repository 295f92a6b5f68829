package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rohansharp/billie-crm-sub000/core/config"
)

// streamInfo is the slice of redis.Client the ops endpoints need. Narrowed
// for testability.
type streamInfo interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
}

// Server exposes health and consumer-lag endpoints beside the worker. It has
// no business surface; the admin UI reads aggregates from the document
// store, not from here.
type Server struct {
	redis streamInfo
	cfg   config.Config
	srv   *http.Server
}

func NewServer(redisClient *redis.Client, cfg config.Config) *Server {
	return &Server{
		redis: redisClient,
		cfg:   cfg,
	}
}

// newWithStreamInfo exists for tests.
func newWithStreamInfo(client streamInfo, cfg config.Config) *Server {
	return &Server{redis: client, cfg: cfg}
}

func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.OTel.ServiceName))

	router.GET("/health", s.health)
	router.GET("/stats", s.stats)

	return router
}

// Run starts the HTTP listener. Blocks until Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := s.router()

	s.srv = &http.Server{
		Addr:              ":" + s.cfg.Ops.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.InfoContext(ctx, "ops server listening", "port", s.cfg.Ops.Port)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	if err := s.redis.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// stats reports stream length and the group's pending summary so operators
// can see consumer lag at a glance.
func (s *Server) stats(c *gin.Context) {
	ctx := c.Request.Context()
	streamName := s.cfg.Stream.Stream

	length, err := s.redis.XLen(ctx, streamName).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	pending, err := s.redis.XPending(ctx, streamName, s.cfg.Stream.Group).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream":    streamName,
		"group":     s.cfg.Stream.Group,
		"length":    length,
		"pending":   pending.Count,
		"consumers": pending.Consumers,
	})
}
