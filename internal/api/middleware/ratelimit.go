package middleware

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/models"
)

// EndpointLimits looks up per-route overrides of the default rate limits.
type EndpointLimits interface {
	GetEndpointLimit(ctx context.Context, endpoint string) *models.EndpointLimit
}

// bucket is one token bucket and when it was last used.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMiddleware manages rate limiting for API endpoints. Every client has a hard bucket shared
// by all routes and a soft bucket per route; either running dry rejects the request.
type RateLimiterMiddleware struct {
	hard   map[string]*bucket
	soft   map[string]*bucket
	mu     sync.Mutex
	cfg    *config.Config // For defaults
	limits EndpointLimits // For endpoint specific limits
	now    func() time.Time
}

// NewRateLimiterMiddleware creates a new RateLimiterMiddleware. limits may be nil.
func NewRateLimiterMiddleware(cfg *config.Config, limits EndpointLimits) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		hard:   make(map[string]*bucket),
		soft:   make(map[string]*bucket),
		cfg:    cfg,
		limits: limits,
		now:    time.Now,
	}
}

// Run removes idle client entries every interval until ctx is done.
func (rm *RateLimiterMiddleware) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rm.cleanup(3 * interval); n > 0 {
				log.Printf("Rate limiter cleanup removed %d old client entries.", n)
			}
		}
	}
}

func (rm *RateLimiterMiddleware) cleanup(idle time.Duration) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	cutoff := rm.now().Add(-idle)
	count := 0
	for _, m := range []map[string]*bucket{rm.hard, rm.soft} {
		for id, b := range m {
			if b.lastSeen.Before(cutoff) {
				delete(m, id)
				count++
			}
		}
	}
	return count
}

// take spends one token from the bucket stored under key, creating it with the given shape.
func (rm *RateLimiterMiddleware) take(m map[string]*bucket, key string, limit models.RateLimitConfig) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.TokenRefillRate), limit.BucketSize)}
		m[key] = b
	}
	b.lastSeen = rm.now()
	return b.limiter.AllowN(b.lastSeen, 1)
}

// Limit creates the Gin middleware handler.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		soft := models.RateLimitConfig{BucketSize: rm.cfg.RateLimitSoftBucketSize, TokenRefillRate: rm.cfg.RateLimitSoftRefillRate}
		hard := models.RateLimitConfig{BucketSize: rm.cfg.RateLimitHardBucketSize, TokenRefillRate: rm.cfg.RateLimitHardRefillRate}
		if rm.limits != nil {
			if override := rm.limits.GetEndpointLimit(c.Request.Context(), endpoint); override != nil {
				if override.RateLimitSoft != nil {
					soft = *override.RateLimitSoft
				}
				if override.RateLimitHard != nil {
					hard = *override.RateLimitHard
				}
			}
		}

		if !rm.take(rm.hard, clientKey, hard) {
			log.Printf("Hard rate limit exceeded for client: %s on %s", clientKey, endpoint)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		if !rm.take(rm.soft, clientKey+"|"+endpoint, soft) {
			log.Printf("Soft rate limit exceeded for client: %s on %s", clientKey, endpoint)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded for this endpoint"})
			return
		}

		c.Next()
	}
}
