// Package api wires together all HTTP routes for the credential service.
//
// Route grouping philosophy:
//   - Probe endpoints (/health, /ready, /version) are unauthenticated so load
//     balancers and orchestrators can reach them without credentials.
//   - Everything under /api/v1 requires a valid bearer credential: an API key
//     or a session token, checked in that order by middleware.BearerAuth.
//
// Middleware ordering is RequestID → Security → Metrics → RateLimit → Auth so
// that every response carries security headers and a request ID, every request
// is measured, and rate limiting throttles clients before any bcrypt work.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/jobs"
	"github.com/quartermaster/quartermaster/internal/keys"
	"github.com/quartermaster/quartermaster/internal/middleware"
	"github.com/quartermaster/quartermaster/internal/safego"
	"github.com/quartermaster/quartermaster/internal/sessions"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sessionSweeper *jobs.SessionSweeper
	rateLimiters   []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sessionSweeper != nil {
		bg.sessionSweeper.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sqlx.DB, keySvc *keys.Service, sessionSvc *sessions.Service) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Start the expired-session sweeper. Expired tokens are already rejected
	// at validation time; the sweeper only reclaims storage.
	sweeper := jobs.NewSessionSweeper(sessionSvc, cfg.Auth.Sessions)
	safego.Go(func() {
		sweeper.Start(context.Background())
	})

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint
	router.GET("/ready", readinessHandler(db))

	// API version
	router.GET("/version", versionHandler())

	apiKeyHandlers := NewAPIKeyHandlers(keySvc)
	sessionHandlers := NewSessionHandlers(sessionSvc)

	bg := &BackgroundServices{sessionSweeper: sweeper}

	// Credential management endpoints. Rate limiting runs before BearerAuth so
	// a flood of bogus credentials is throttled before it costs bcrypt time.
	apiV1 := router.Group("/api/v1")
	apiV1.Use(rateLimitMiddleware(cfg, bg))
	apiV1.Use(middleware.BearerAuth(keySvc, sessionSvc))
	{
		keysGroup := apiV1.Group("/keys")
		{
			keysGroup.POST("", apiKeyHandlers.CreateKeyHandler())
			keysGroup.GET("", apiKeyHandlers.ListKeysHandler())
			keysGroup.GET("/:id", apiKeyHandlers.GetKeyHandler())
			keysGroup.DELETE("/:id", apiKeyHandlers.RevokeKeyHandler())
		}

		sessionsGroup := apiV1.Group("/sessions")
		{
			sessionsGroup.POST("", sessionHandlers.CreateSessionHandler())
			sessionsGroup.GET("", sessionHandlers.ListSessionsHandler())
			sessionsGroup.DELETE("/:id", sessionHandlers.RevokeSessionHandler())
		}
	}

	return router, bg
}

// rateLimitMiddleware picks the limiter backend from configuration: Redis-backed
// when redis_addr is set (shared budget across replicas), in-memory otherwise.
// Disabled rate limiting degrades to a no-op handler.
func rateLimitMiddleware(cfg *config.Config, bg *BackgroundServices) gin.HandlerFunc {
	rlCfg := cfg.Security.RateLimiting
	if !rlCfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	requestsPerMinute := rlCfg.RequestsPerMinute
	burst := rlCfg.Burst
	if requestsPerMinute <= 0 {
		requestsPerMinute = middleware.DefaultRateLimitConfig().RequestsPerMinute
	}
	if burst <= 0 {
		burst = middleware.DefaultRateLimitConfig().BurstSize
	}

	if rlCfg.RedisAddr != "" {
		limiter := middleware.NewRedisLimiter(rlCfg.RedisAddr, rlCfg.RedisPassword, rlCfg.RedisDB)
		slog.Info("rate limiting via redis", "addr", rlCfg.RedisAddr)
		return middleware.RedisRateLimitMiddleware(limiter, requestsPerMinute, burst)
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		BurstSize:         burst,
		CleanupInterval:   5 * time.Minute,
	})
	bg.rateLimiters = append(bg.rateLimiters, limiter)
	return middleware.RateLimitMiddleware(limiter)
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service. The database
// is the only hard dependency; audit shippers and Redis degrade gracefully.
func readinessHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
