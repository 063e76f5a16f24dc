package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// securityHeaders は全レスポンスに付与するハードニング用ヘッダー。
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-DNS-Prefetch-Control", "off"},
	{"Strict-Transport-Security", "max-age=15552000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// SecurityHeaders はハードニング用のレスポンスヘッダーを付与するGinミドルウェアを返す。
// 後段で拒否されたレスポンスにもヘッダーが残るよう、パイプラインの先頭付近に置く。
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// IsSecurityHeader は name がゲートウェイの付与するハードニング用ヘッダーかを返す。
// プロキシはバックエンドが同名ヘッダーを返した場合にゲートウェイ側の値を優先する。
func IsSecurityHeader(name string) bool {
	for _, kv := range securityHeaders {
		if http.CanonicalHeaderKey(name) == kv[0] {
			return true
		}
	}
	return false
}
