package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/evidentia/evidentia/engine/audit"
	"github.com/evidentia/evidentia/engine/knowledge/vectordb"
	"github.com/evidentia/evidentia/pkg/logger"
	"github.com/evidentia/evidentia/pkg/version"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the stock listener settings.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Embedder is the embedding surface the ingest handler needs.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps carries the wired collaborators for route handlers.
type Deps struct {
	Audit    *audit.Service
	Pipeline audit.QueryPipeline
	Store    vectordb.Store
	Embedder Embedder
}

// Server is the HTTP surface over the audit engine.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
	log  logger.Logger
}

// New assembles the router and listener.
func New(cfg Config, deps Deps, log logger.Logger) (*Server, error) {
	if deps.Audit == nil || deps.Pipeline == nil {
		return nil, errors.New("server: audit service and pipeline are required")
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	s := &Server{cfg: cfg, deps: deps, log: log}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.loggerMiddleware(), gin.Recovery())
	s.registerRoutes(router)

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// loggerMiddleware injects the server logger into every request context.
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.ContextWithLogger(c.Request.Context(), s.log)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Get().Version})
	})

	api := router.Group("/api/v0")
	api.POST("/ingest", s.handleIngest)
	api.POST("/retrieve", s.handleRetrieve)
	api.POST("/chat/:run_id", s.handleChat)
	api.POST("/generate-report/:run_id", s.handleGenerateReport)
	api.GET("/reports/:job_id", s.handleReportStatus)
}

// Start serves until the context is canceled, then drains connections within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
