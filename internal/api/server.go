// Package api serves the ledger, router and shield over HTTP.
//
// Read-only and computational routes are public; routes that mutate the
// ledger or throw the kill switch require an admin Bearer token obtained
// from POST /api/v1/auth/token.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/axial/internal/health"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/metrics"
	"github.com/jmerrifield20/axial/internal/router"
	"github.com/jmerrifield20/axial/internal/shield"
	"go.uber.org/zap"
)

// Deps are the components the API serves.
type Deps struct {
	Ledger *ledger.Ledger
	Router *router.Router
	Shield *shield.Shield
	Health *health.Checker // optional
	Tokens *TokenIssuer    // nil disables admin routes
	Logger *zap.Logger

	CORSOrigins  []string
	RateLimitRPS int
}

// NewEngine builds the gin engine. The rate limiter's cleanup goroutine
// stops when ctx is done.
func NewEngine(ctx context.Context, d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(d.CORSOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(d.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	engine.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if d.RateLimitRPS > 0 {
		engine.Use(RateLimiter(ctx, d.RateLimitRPS, d.RateLimitRPS*2))
	}

	engine.Use(metrics.PrometheusMiddleware())
	engine.Use(requestLogger(logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", metrics.Handler())

	admin := RequireAdmin(d.Tokens)
	v1 := engine.Group("/api/v1")
	(&AuthHandler{tokens: d.Tokens}).Register(v1)
	NewLedgerHandler(d.Ledger, d.Shield, admin, logger).Register(v1)
	NewRouterHandler(d.Router, d.Ledger, d.Health, logger).Register(v1)
	NewShieldHandler(d.Shield, d.Ledger, admin, logger).Register(v1)

	return engine
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
