package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/tenantgate/pkg/ratelimit"
)

// RateLimitOptions はRateLimitミドルウェアの設定。
type RateLimitOptions struct {
	// Name はログ・監査で使用するレイヤー名（global, route など）。
	Name string
	// Limiter はリクエストの可否を判定する。
	Limiter ratelimit.Limiter
	// Key はバケットのキーを返す。空文字列を返した場合は制限をかけずに通す。
	Key func(c *gin.Context) string
	// Tier は適用するティアを返す。
	Tier func(c *gin.Context) ratelimit.Tier
	// OnReject は429を返す直前に呼び出される。
	OnReject func(c *gin.Context, e APIError, layer string)
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// RateLimit はキーとティアに基づいてリクエスト数を制限するGinミドルウェアを返す。
// 上限を超えたリクエストは429で拒否し、後段（プロキシ転送を含む）は一切実行しない。
// Limiterがエラーを返した場合は安全側に倒して500を返す。
func RateLimit(logger *zap.Logger, opts RateLimitOptions) gin.HandlerFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		key := opts.Key(c)
		if key == "" {
			c.Next()
			return
		}
		tier := opts.Tier(c)

		decision, err := opts.Limiter.Allow(c.Request.Context(), key, tier)
		if err != nil {
			logger.Error("rate limiter failed",
				zap.String("request_id", GetRequestID(c)),
				zap.String("layer", opts.Name),
				zap.Error(err),
			)
			AbortWithError(c, ErrInternal)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter(now()).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			logger.Warn("rate limit exceeded",
				zap.String("request_id", GetRequestID(c)),
				zap.String("layer", opts.Name),
				zap.String("tier", tier.Name),
				zap.String("key", key),
			)
			if opts.OnReject != nil {
				opts.OnReject(c, ErrRateLimitExceeded, opts.Name)
			}
			AbortWithError(c, ErrRateLimitExceeded, gin.H{"retryAfter": retryAfter})
			return
		}

		c.Next()
	}
}
