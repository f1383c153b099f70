package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apimiddleware "github.com/espritsec/scanctl/internal/api/middleware"
	"github.com/espritsec/scanctl/internal/artifacts"
	"github.com/espritsec/scanctl/internal/auth"
	"github.com/espritsec/scanctl/internal/llm"
	"github.com/espritsec/scanctl/internal/quota"
	"github.com/espritsec/scanctl/internal/ratelimit"
	"github.com/espritsec/scanctl/internal/sandbox"
	"github.com/espritsec/scanctl/internal/store"
)

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	EnableCORS      bool
	JWTSecret       string
	AllowedOrigins  []string
	MaxBodySize     string
	RequestTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
		EnableCORS:      true,
		JWTSecret:       "change-me-in-production-min-32-chars",
		AllowedOrigins:  []string{"http://localhost:3000"},
		MaxBodySize:     "2M",
		RequestTimeout:  30 * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	echo      *echo.Echo
	config    *ServerConfig
	store     *store.Store
	sandboxes *sandbox.Manager
	quota     *quota.Enforcer
	generator llm.Generator
	artifacts *artifacts.Store
	limiter   *ratelimit.Limiter
	auth      *auth.Auth
}

// NewServer creates a new API server. The generator, artifact store and
// rate limiter are optional; their routes are only mounted when present.
func NewServer(
	config *ServerConfig,
	st *store.Store,
	sandboxes *sandbox.Manager,
	enforcer *quota.Enforcer,
	generator llm.Generator,
	artifactStore *artifacts.Store,
	limiter *ratelimit.Limiter,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Disable Echo's default logger, we'll use our own
	e.Logger.SetOutput(io.Discard)

	// Set custom validator
	e.Validator = NewValidator()

	s := &Server{
		echo:      e,
		config:    config,
		store:     st,
		sandboxes: sandboxes,
		quota:     enforcer,
		generator: generator,
		artifacts: artifactStore,
		limiter:   limiter,
		auth:      auth.NewAuth(config.JWTSecret),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware stack
func (s *Server) setupMiddleware() {
	// Recover from panics
	s.echo.Use(middleware.Recover())

	// Request ID for tracing
	s.echo.Use(middleware.RequestID())

	// Logging middleware
	s.echo.Use(apimiddleware.Logger())

	// CORS if enabled
	if s.config.EnableCORS {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  s.config.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			ExposeHeaders: []string{echo.HeaderContentLength},
		}))
	}

	// Body limit
	s.echo.Use(middleware.BodyLimit(s.config.MaxBodySize))

	// Timeout middleware
	s.echo.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: s.config.RequestTimeout,
	}))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health checks (no auth required)
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ready", s.readyCheck)

	// API v1 routes, all authenticated
	v1 := s.echo.Group("/api/v1", auth.RequireAuth(s.auth))

	sandboxHandler := NewSandboxHandler(s.sandboxes, s.quota)
	v1.POST("/sandbox", sandboxHandler.Create)
	v1.GET("/sandbox/:id", sandboxHandler.Get)
	v1.DELETE("/sandbox/:id", sandboxHandler.Delete)

	usageHandler := NewUsageHandler(s.quota)
	v1.GET("/user/usage", usageHandler.GetUsage)
	v1.GET("/user/quota", usageHandler.GetQuota)

	if s.generator != nil {
		llmHandler := NewLLMHandler(s.generator, s.quota)
		if s.limiter != nil {
			v1.POST("/llm/generate", llmHandler.Generate, s.limiter.Middleware(tenantKey))
		} else {
			v1.POST("/llm/generate", llmHandler.Generate)
		}
	}

	if s.artifacts != nil {
		reportHandler := NewReportHandler(s.artifacts)
		v1.POST("/scan/:id/report", reportHandler.Upload)
	}
}

// tenantKey buckets rate limiting per authenticated tenant
func tenantKey(c echo.Context) (string, error) {
	if tenantID, err := auth.GetTenantID(c); err == nil {
		return tenantID, nil
	}
	return c.RealIP(), nil
}

// healthCheck returns basic health status
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// readyCheck checks if server is ready to handle requests
func (s *Server) readyCheck(c echo.Context) error {
	// Check database connection
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "database unavailable",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	fmt.Printf("Starting API server on %s\n", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for testing
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
