// redislimit.go provides a Redis-backed variant of the rate limiter for
// multi-replica deployments. The in-memory RateLimiter gives each replica its
// own budget, so N replicas multiply the effective limit by N; backing the
// buckets with redis_rate (GCRA) makes the configured limit hold globally.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// NewRedisLimiter builds a redis_rate limiter over a dedicated client.
func NewRedisLimiter(addr, password string, db int) *redis_rate.Limiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return redis_rate.NewLimiter(rdb)
}

// RedisRateLimitMiddleware enforces the same per-client policy as
// RateLimitMiddleware with bucket state shared through Redis.
//
// A Redis error fails open: losing the limiter's backing store must degrade
// to unlimited traffic, not take the credential API down with it.
func RedisRateLimitMiddleware(limiter *redis_rate.Limiter, requestsPerMinute, burst int) gin.HandlerFunc {
	limit := redis_rate.Limit{
		Rate:   requestsPerMinute,
		Period: time.Minute,
		Burst:  burst,
	}

	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), getRateLimitKey(c), limit)
		if err != nil {
			slog.Warn("redis rate limiter unavailable, failing open", "error", err)
			c.Next()
			return
		}

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds()) + 1
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}
