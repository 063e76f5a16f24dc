package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストIDを伝播するためのHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// requestIDKey はGinコンテキストにリクエストIDを格納するためのキー。
const requestIDKey = "request_id"

// maxRequestIDLength は呼び出し元から受け付けるリクエストIDの最大長。
const maxRequestIDLength = 128

// RequestID はリクエストIDを決定するGinミドルウェアを返す。
// 呼び出し元が X-Request-ID を付与していればそれを使い、なければUUIDを生成する。
// 決定したIDはコンテキストとレスポンスヘッダーの両方に設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
// RequestIDミドルウェアが事前に適用されている必要がある。
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// validRequestID はログやヘッダーにそのまま載せてよいIDかを判定する。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
