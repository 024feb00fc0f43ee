package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipRateLimiter hands out a per-client-IP token bucket, mirroring the
// teacher's web.NewRateLimiter/RateLimitMiddleware pair (that package's own
// implementation was not present in the retrieval pack; only its call
// sites and rates were, reconstructed here against the same
// golang.org/x/time/rate dependency).
type ipRateLimiter struct {
	mu    sync.Mutex
	byIP  map[string]*rate.Limiter
	r     rate.Limit
	burst int
}

func newIPRateLimiter(r rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{byIP: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.byIP[ip] = lim
	}
	return lim
}

// rateLimitMiddleware rejects a request with 429 once its client IP has
// exhausted its bucket.
func rateLimitMiddleware(l *ipRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !l.get(ip).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

// maxBodySizeMiddleware rejects a request body larger than limit bytes,
// the way the teacher caps ActivityPub deliveries at 1MB before parsing
// them at all.
func maxBodySizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// requestTimeout bounds how long any single handler may run, guarding the
// federation endpoints against a slow or hung remote peer.
const requestTimeout = 30 * time.Second

// withTimeout attaches a requestTimeout deadline to the request context for
// the duration of the handler chain.
func withTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
