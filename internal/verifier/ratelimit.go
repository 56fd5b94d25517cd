package verifier

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter enforces per-key token-bucket rate limiting, keyed by
// whatever KeyFunc returns (client IP for /verify and /authorize, via
// PerIPRateLimiter). Stale buckets are swept periodically so the
// map doesn't grow unbounded across the lifetime of the process.
func KeyedRateLimiter(rps, burst int, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for k, b := range buckets {
				if time.Since(b.lastSeen) > 10*time.Minute {
					delete(buckets, k)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		key := keyFunc(c)

		mu.Lock()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[key] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		if !b.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorBody{Verified: false, Error: string(RateLimited)})
			return
		}
		c.Next()
	}
}

// PerIPRateLimiter is KeyedRateLimiter keyed by client IP, the default
// for /verify and /authorize.
func PerIPRateLimiter(rps, burst int) gin.HandlerFunc {
	return KeyedRateLimiter(rps, burst, func(c *gin.Context) string { return c.ClientIP() })
}
