package interceptors

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis_rate/v10"
	"github.com/mailio/go-mailio-keyshare/global"
)

const (
	LimitRequestsPerSecond = 5
	// short code lookups are additionally limited per client in the qr login service
	LimitQrLookupPerSecond = 2
)

// ClientFingerprint identifies an anonymous caller (ip, user agent, language and referer) for
// rate limiting. It is never stored.
func ClientFingerprint(c *gin.Context) string {
	all := fmt.Sprintf("%s%s%s%s", getIPOrUnknown(c), c.GetHeader("User-Agent"), c.GetHeader("Accept-Language"), c.GetHeader("Referer"))
	return strconv.FormatUint(xxhash.Sum64String(all), 16)
}

func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if global.RateLimiter == nil {
			c.Next()
			return
		}
		key := ClientFingerprint(c)
		limit := LimitRequestsPerSecond
		if c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/qr-login/session/:id" {
			limit = LimitQrLookupPerSecond
			key = key + "_lookup"
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		result, err := global.RateLimiter.Allow(ctx, "api:"+key, redis_rate.PerSecond(limit))
		if err != nil {
			level.Error(global.Logger).Log("msg", "failed to perform rate limit check", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "failed to perform rate limit check"})
			return
		}
		if result.Allowed <= 0 {
			c.Writer.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": http.StatusTooManyRequests, "message": "too many requests"})
			return
		}

		c.Writer.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit.Rate))
		c.Writer.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Writer.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetAfter.Milliseconds())))
		c.Next()
	}
}
