package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimitClients = 4096
	defaultRateLimitIdleTTL = 15 * time.Minute
)

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	// MaxClients bounds the tracked buckets; the least recently seen client is evicted first.
	MaxClients int
	IdleTTL    time.Duration
}

// clientLimiter keeps one token bucket per client key.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	size := cfg.MaxClients
	if size <= 0 {
		size = defaultRateLimitClients
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultRateLimitIdleTTL
	}
	return &clientLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   cfg.Burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl),
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle expiry.
	l.buckets.Add(key, bucket)
	l.mu.Unlock()
	return bucket.Allow()
}

// RateLimitMiddleware throttles requests per client IP. A zero config
// disables it.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newClientLimiter(cfg)
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "anonymous"
		}
		if !limiter.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
