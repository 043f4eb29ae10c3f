package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"keyserver/pkg/config"
	"keyserver/pkg/errutil"
	"keyserver/pkg/rediskey"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("throttle",
	fx.Provide(New),
)

// Limiter is a fixed-window request counter kept in Redis.
type Limiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

// New returns nil when throttling is disabled or Redis is not wired.
func New(p Params) *Limiter {
	if !p.Config.Throttle.Enable || p.Redis == nil {
		return nil
	}
	return NewLimiter(p.Redis, p.Config.Throttle.Limit, p.Config.Throttle.Window)
}

func NewLimiter(rdb *redis.Client, limit int64, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

// Allow counts one request for subject within scope and reports whether it is
// under the limit, with the number of requests left in the window.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) (bool, int64, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	key := rediskey.BuildThrottleKey(scope, subject, bucket)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true, l.limit, fmt.Errorf("throttle: %w", err)
	}
	if count == 1 {
		_ = l.rdb.Expire(ctx, key, l.window).Err()
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= l.limit, remaining, nil
}

// Middleware rejects clients over the limit with 429. Redis failures let the
// request through.
func (l *Limiter) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}

		ok, remaining, err := l.Allow(c.Request.Context(), scope, c.ClientIP())
		if err != nil {
			zap.L().Warn("throttle unavailable, allowing request", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !ok {
			_ = c.Error(errutil.TooManyRequest("too many requests", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
