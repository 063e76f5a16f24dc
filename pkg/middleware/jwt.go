package middleware

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// バックエンドサービスへテナント・ユーザー情報を伝播するためのHTTPヘッダーキー。
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// authContextKey はGinコンテキストにAuthContextを格納するためのキー。
const authContextKey = "auth_context"

// AuthContext は検証済みトークンから導出したリクエスト単位の認証情報。
// リクエストの処理中だけ存在し、永続化やリクエスト間での共有はしない。
type AuthContext struct {
	// TenantID はリクエスト元のテナントID。
	TenantID string
	// UserID は認証済みユーザーの一意識別子。
	UserID string
	// Role はユーザーのロール（admin, manager など）。
	Role string
	// Permissions はユーザーに付与された権限。
	Permissions []string
}

// HasPermission は権限 p を持っているかを返す。
func (a AuthContext) HasPermission(p string) bool {
	return slices.Contains(a.Permissions, p)
}

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// TenantID はテナントID。
	TenantID string `json:"tenantId"`
	// UserID はユーザーID。
	UserID string `json:"userId"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// Permissions はユーザーの権限一覧。
	Permissions []string `json:"permissions"`
}

// errMissingIdentity はトークンにテナントIDまたはユーザーIDが含まれていない場合のエラー。
var errMissingIdentity = errors.New("tenantId と userId は必須です")

// JWTOption はJWTAuthの検証オプション。
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	issuer string
	onFail func(c *gin.Context, e APIError, err error)
}

// WithIssuer は検証時に要求する発行者（iss）を設定する。
func WithIssuer(issuer string) JWTOption {
	return func(cfg *jwtConfig) {
		cfg.issuer = issuer
	}
}

// WithAuthFailureHook は認証失敗時に呼び出される関数を設定する。
// 監査ログへの記録などに使用する。
func WithAuthFailureHook(fn func(c *gin.Context, e APIError, err error)) JWTOption {
	return func(cfg *jwtConfig) {
		cfg.onFail = fn
	}
}

// GenerateJWT は認証情報からHS256署名のJWTトークンを生成する。
// issuerが空の場合はissクレームを付与しない。
func GenerateJWT(secret, issuer string, auth AuthContext, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   auth.UserID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TenantID:    auth.TenantID,
		UserID:      auth.UserID,
		Role:        auth.Role,
		Permissions: auth.Permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証し、AuthContextを返す。
// 署名・有効期限・アルゴリズムのいずれかが不正な場合はエラーを返す。
func ParseJWT(secret, issuer, tokenString string) (AuthContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return AuthContext{}, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return AuthContext{}, errors.New("トークンが無効です")
	}
	if claims.TenantID == "" || claims.UserID == "" {
		return AuthContext{}, errMissingIdentity
	}

	return AuthContext{
		TenantID:    claims.TenantID,
		UserID:      claims.UserID,
		Role:        claims.Role,
		Permissions: slices.Clone(claims.Permissions),
	}, nil
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにAuthContextを設定する。
// セッション状態はサーバー側に持たず、毎リクエスト独立にトークンだけで認証する。
func JWTAuth(secret string, opts ...JWTOption) gin.HandlerFunc {
	cfg := &jwtConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	fail := func(c *gin.Context, e APIError, err error) {
		if cfg.onFail != nil {
			cfg.onFail(c, e, err)
		}
		AbortWithError(c, e)
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			fail(c, ErrAuthenticationRequired, nil)
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || strings.TrimSpace(tokenString) == "" {
			fail(c, ErrAuthenticationRequired, nil)
			return
		}

		auth, err := ParseJWT(secret, cfg.issuer, strings.TrimSpace(tokenString))
		if err != nil {
			fail(c, ErrInvalidCredential, err)
			return
		}

		c.Set(authContextKey, auth)
		c.Next()
	}
}

// GetAuthContext はGinコンテキストからAuthContextを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
// 呼び出し側が権限スライスを書き換えても他に影響しないよう、コピーを返す。
func GetAuthContext(c *gin.Context) (AuthContext, bool) {
	v, ok := c.Get(authContextKey)
	if !ok {
		return AuthContext{}, false
	}
	auth, ok := v.(AuthContext)
	if !ok {
		return AuthContext{}, false
	}
	auth.Permissions = slices.Clone(auth.Permissions)
	return auth, true
}

// RequireRole は指定ロールのいずれかを持つユーザーだけを通すGinミドルウェアを返す。
// JWTAuthミドルウェアより後に適用すること。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, ok := GetAuthContext(c)
		if !ok {
			AbortWithError(c, ErrAuthenticationRequired)
			return
		}
		if !slices.Contains(roles, auth.Role) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}
