// Package api mounts the proxy's HTTP surface: a catch-all forwarding
// route, a health endpoint, and a Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/berry13/keycycle-proxy/internal/keypool"
	"github.com/berry13/keycycle-proxy/internal/metrics"
	"github.com/berry13/keycycle-proxy/internal/proxyengine"
	"github.com/berry13/keycycle-proxy/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps holds everything the dispatcher needs to serve requests.
type Deps struct {
	Engine                *proxyengine.Engine
	Pool                  *keypool.KeyPool
	Metrics               *metrics.Registry
	Logger                *zap.Logger
	RequestBodyLimitBytes int
	RequestTimeout        time.Duration
	// MountMetrics controls whether /metrics is exposed on this router. It
	// is false when the caller runs metrics on a separate listener via
	// NewMetricsServer instead.
	MountMetrics bool
}

// Server wraps the configured gin engine.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the dispatcher: global middleware, the catch-all
// forwarding route, /health, and /metrics.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.Logger))
	r.Use(permissiveCORS())

	r.GET("/health", healthHandler(deps.Pool))
	if deps.Metrics != nil && deps.MountMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	r.NoRoute(
		bodyLimitMiddleware(deps.RequestBodyLimitBytes),
		requestTimeoutMiddleware(deps.RequestTimeout),
		forwardHandler(deps),
	)

	return &Server{router: r, logger: deps.Logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// NewMetricsServer builds a standalone handler serving only /metrics, for
// callers that bind it to a separate listener than the forwarding server.
func NewMetricsServer(reg *metrics.Registry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg.Registry, promhttp.HandlerOpts{})))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		if logger == nil {
			return
		}
		logger.Info("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// permissiveCORS allows any origin, matching the core's explicit non-goal
// of not authenticating or restricting callers.
func permissiveCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func healthHandler(pool *keypool.KeyPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Accept") == "application/json" {
			c.JSON(http.StatusOK, gin.H{
				"status":      "OK",
				"version":     version.Short(),
				"credentials": pool.Snapshot(),
			})
			return
		}
		c.String(http.StatusOK, "OK")
	}
}

// bodyLimitMiddleware caps the request body at limitBytes. Reading past the
// cap fails, and forwardHandler answers that failure with PayloadTooLarge.
func bodyLimitMiddleware(limitBytes int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(limitBytes))
		c.Next()
	}
}

// requestTimeoutMiddleware bounds the whole logical request, including
// every engine retry/rotation, to timeout.
func requestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// forwardHandler reads the body, invokes the engine, and streams the
// upstream response back with status, headers, and body preserved.
func forwardHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			writeError(c, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, http.StatusRequestEntityTooLarge, "request body exceeds the configured limit")
			return
		}

		requestID := uuid.New().String()
		c.Writer.Header().Set("X-Request-Id", requestID)

		resp, proxyErr := deps.Engine.Proxy(c.Request.Context(), requestID, c.Request.Method, c.Request.URL.Path, c.Request.Header, body)
		if proxyErr != nil {
			if deps.Logger != nil {
				deps.Logger.Warn("request failed",
					zap.String("request_id", requestID),
					zap.String("kind", proxyErr.Error()),
					zap.Int("status", proxyErr.StatusCode()))
			}
			writeError(c, proxyErr.StatusCode(), proxyErr.Error())
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Writer.WriteHeader(resp.StatusCode)
		io.Copy(c.Writer, resp.Body)
	}
}

func writeError(c *gin.Context, status int, message string) {
	body, _ := json.Marshal(gin.H{"error": message})
	c.Data(status, "application/json", body)
}
