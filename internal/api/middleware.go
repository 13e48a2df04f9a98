// Package api implements the admin REST API of a Courier node: traffic
// statistics, channels, message definitions and manual sends.
package api

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuthMiddleware checks a static bearer token.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates a new auth middleware. An empty token disables
// authentication.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// RequireAuth returns a Gin middleware that verifies the bearer token.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.token == "" {
			c.Next()
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(am.token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// idleClientTTL is how long a client's bucket survives without requests.
const idleClientTTL = 5 * time.Minute

// ClientLimiter throttles admin API calls per client address with a token
// bucket refilled at rps and capped at twice that.
type ClientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	rps       float64
	burst     float64
	lastSweep time.Time
	now       func() time.Time
}

type clientBucket struct {
	tokens float64
	seen   time.Time
}

// NewClientLimiter creates a limiter allowing rps requests per second per
// client. A non-positive rps disables limiting.
func NewClientLimiter(rps int) *ClientLimiter {
	return &ClientLimiter{
		buckets: make(map[string]*clientBucket),
		rps:     float64(rps),
		burst:   float64(rps * 2),
		now:     time.Now,
	}
}

// allow takes one token from the client's bucket. When the bucket is
// empty it returns the wait until the next token.
func (cl *ClientLimiter) allow(client string) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if now.Sub(cl.lastSweep) > idleClientTTL {
		for addr, b := range cl.buckets {
			if now.Sub(b.seen) > idleClientTTL {
				delete(cl.buckets, addr)
			}
		}
		cl.lastSweep = now
	}

	b, ok := cl.buckets[client]
	if !ok {
		b = &clientBucket{tokens: cl.burst, seen: now}
		cl.buckets[client] = b
	}
	b.tokens = min(cl.burst, b.tokens+now.Sub(b.seen).Seconds()*cl.rps)
	b.seen = now

	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) / cl.rps * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// Clients returns the number of tracked client buckets.
func (cl *ClientLimiter) Clients() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// Limit returns a Gin middleware rejecting clients over their budget with
// 429 and a Retry-After hint in whole seconds.
func (cl *ClientLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if cl.rps <= 0 {
			c.Next()
			return
		}
		ok, wait := cl.allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// AdminHeaders marks every response as a live, uncacheable JSON document
// from the named node.
func AdminHeaders(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Server", "Courier")
		c.Header("X-Courier-Node", node)
		c.Next()
	}
}

// RequestLogger logs API calls. Control and configure calls change node
// state and are logged at info, everything else at debug.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		ev := logger.Debug()
		if strings.HasPrefix(path, "/api/control/") || strings.HasPrefix(path, "/api/configure/") {
			ev = logger.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
