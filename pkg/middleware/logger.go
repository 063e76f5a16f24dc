package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger はリクエストの開始時と完了時に構造化ログを出力するGinミドルウェアを返す。
// RequestIDミドルウェアより後に適用すること。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		}
		if tenant := c.GetHeader(HeaderTenantID); tenant != "" {
			fields = append(fields, zap.String("tenant_header", tenant))
		}
		logger.Info("request started", fields...)

		// 転送中の切断でハンドラがパニックしても完了ログは必ず出す
		defer func() {
			end := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int("bytes", c.Writer.Size()),
			}
			if auth, ok := GetAuthContext(c); ok {
				end = append(end, zap.String("tenant_id", auth.TenantID))
			}
			if code := GetErrorCode(c); code != "" {
				end = append(end, zap.String("error_code", code))
			}
			logger.Info("request completed", end...)
		}()

		c.Next()
	}
}
