package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/logging"
)

const ctxUserID = "userID"

// requireAuth validates the bearer token and stashes the user ID on the
// context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			errorJSON(c, http.StatusUnauthorized, "Not authenticated")
			c.Abort()
			return
		}
		userID, err := s.auth.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			errorJSON(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool)
	for _, o := range s.cfg.CORSOrigins() {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		s.metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, status).Inc()
		s.metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// rateLimiter is a fixed-window per-IP counter for the auth routes, the same
// shape as the original deployment's per-IP limits. Windows are swept lazily.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*window)}
}

func (rl *rateLimiter) allow(key string, limit int, per time.Duration) bool {
	if limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		// Sweep stale windows occasionally so the map stays bounded.
		if len(rl.windows) > 4096 {
			for k, v := range rl.windows {
				if now.After(v.resetAt) {
					delete(rl.windows, k)
				}
			}
		}
		rl.windows[key] = &window{count: 1, resetAt: now.Add(per)}
		return true
	}
	w.count++
	return w.count <= limit
}

func (s *Server) rateLimit(name string, limit int, per time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := name + ":" + c.ClientIP()
		if !s.limiter.allow(key, limit, per) {
			logging.AuthWarn("Rate limit hit for %s from %s", name, c.ClientIP())
			errorJSON(c, http.StatusTooManyRequests, "Too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}
