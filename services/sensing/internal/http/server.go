package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/analysis"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/config"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/poller"
)

// AnalysisStatus reports the window cursor.
type AnalysisStatus interface {
	Status() analysis.Status
}

// PollerStatus reports the last poll.
type PollerStatus interface {
	LastTick() (poller.TickResult, bool)
}

// DirectoryView exposes the junction mapping.
type DirectoryView interface {
	Snapshot() *directory.Snapshot
}

// StreamStatus reports attached stream consumers.
type StreamStatus interface {
	Subscribers() int
}

// Deps are the pipeline components the ops API reads from.
type Deps struct {
	Analysis  AnalysisStatus
	Poller    PollerStatus
	Directory DirectoryView
	Stream    StreamStatus
	Gatherer  prometheus.Gatherer
	Log       *slog.Logger
}

// Server bundles router and dependencies for the ops API.
type Server struct {
	cfg    config.Config
	deps   Deps
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if deps.Log != nil {
		engine.Use(requestLogger(deps.Log))
	}

	server := &Server{cfg: cfg, deps: deps, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// CORS runs ahead of auth so preflights, which carry no token, succeed.
	v1 := s.engine.Group("/api/v1", corsMiddleware())
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}
	{
		v1.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		v1.GET("/pipeline/status", s.handlePipelineStatus)
		v1.GET("/junctions", s.handleJunctions)
	}
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
