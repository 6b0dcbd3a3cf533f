package ratelimit

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/user/inspect-gateway/internal/apierr"
)

// HTTPLimiter is the "optional windowed fixed-count limiter" of spec.md §6:
// one token-bucket per client IP, refilled continuously rather than on a
// hard window boundary (the pack-wide x/time/rate convention).
type HTTPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewHTTPLimiter builds a limiter allowing rps requests/sec with burst
// capacity, per client IP.
func NewHTTPLimiter(rps float64, burst int) *HTTPLimiter {
	return &HTTPLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (h *HTTPLimiter) limiterFor(ip string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[ip]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[ip] = l
	}
	return l
}

// Middleware rejects requests once a client's bucket is empty, responding
// with the RateLimit error kind (spec.md §7).
func (h *HTTPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierr.New(apierr.KindRateLimit, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
