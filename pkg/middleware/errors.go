package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError はゲートウェイ自身が生成するエラーレスポンスを表す。
// バックエンド由来のエラーはこの型を経由せず、そのまま呼び出し元に返される。
type APIError struct {
	// Status はHTTPステータスコード。
	Status int `json:"-"`
	// Error は人間向けの短いエラー名。
	Error string `json:"error"`
	// Message は詳細メッセージ。内部状態（正規表現やスタックトレース）は含めない。
	Message string `json:"message"`
	// Code はクライアントがバックオフ等の判断に使う機械可読なエラーコード。
	Code string `json:"code"`
}

// ゲートウェイが返すエラーの一覧。
var (
	ErrAuthenticationRequired = APIError{
		Status:  http.StatusUnauthorized,
		Error:   "Authentication required",
		Message: "Bearer token is required",
		Code:    "AUTHENTICATION_REQUIRED",
	}
	ErrInvalidCredential = APIError{
		Status:  http.StatusUnauthorized,
		Error:   "Invalid token",
		Message: "The provided token is invalid or expired",
		Code:    "INVALID_TOKEN",
	}
	ErrForbidden = APIError{
		Status:  http.StatusForbidden,
		Error:   "Forbidden",
		Message: "Insufficient role for this operation",
		Code:    "FORBIDDEN",
	}
	ErrSuspiciousContent = APIError{
		Status:  http.StatusBadRequest,
		Error:   "Invalid input",
		Message: "Request contains potentially malicious content",
		Code:    "SUSPICIOUS_CONTENT",
	}
	ErrPayloadTooLarge = APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Error:   "Payload too large",
		Message: "Request body exceeds the allowed size",
		Code:    "PAYLOAD_TOO_LARGE",
	}
	ErrRateLimitExceeded = APIError{
		Status:  http.StatusTooManyRequests,
		Error:   "Too many requests",
		Message: "Rate limit exceeded, retry later",
		Code:    "RATE_LIMIT_EXCEEDED",
	}
	ErrRouteNotFound = APIError{
		Status:  http.StatusNotFound,
		Error:   "Route not found",
		Message: "No service is configured for this path",
		Code:    "ROUTE_NOT_FOUND",
	}
	ErrServiceUnavailable = APIError{
		Status:  http.StatusBadGateway,
		Error:   "Service unavailable",
		Message: "The upstream service could not be reached",
		Code:    "SERVICE_UNAVAILABLE",
	}
	ErrInternal = APIError{
		Status:  http.StatusInternalServerError,
		Error:   "Internal server error",
		Message: "An unexpected error occurred",
		Code:    "INTERNAL_ERROR",
	}
)

// errorCodeKey はGinコンテキストに拒否理由のコードを記録するためのキー。
const errorCodeKey = "gateway_error_code"

// AbortWithError はAPIErrorをJSONで返してリクエスト処理を中断する。
// extra はレスポンスボディに追加するフィールド（service, retryAfter など）。
func AbortWithError(c *gin.Context, e APIError, extra ...gin.H) {
	body := gin.H{
		"error":   e.Error,
		"message": e.Message,
		"code":    e.Code,
	}
	for _, h := range extra {
		for k, v := range h {
			body[k] = v
		}
	}
	c.Set(errorCodeKey, e.Code)
	c.AbortWithStatusJSON(e.Status, body)
}

// GetErrorCode はAbortWithErrorで記録されたエラーコードを返す。
// ゲートウェイ自身がエラーを返していない場合は空文字列を返す。
func GetErrorCode(c *gin.Context) string {
	return c.GetString(errorCodeKey)
}
