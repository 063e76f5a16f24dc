package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nao1215/tenantgate/pkg/ratelimit"
)

// DefaultJWTSecret はJWT_SECRET未設定時に使う開発用の秘密鍵。
// 本番環境では必ず環境変数で上書きすること。
const DefaultJWTSecret = "dev-secret-key"

// ServiceURLs はバックエンドサービスのベースURL。
type ServiceURLs struct {
	Product   string `env:"PRODUCT_SERVICE_URL" envDefault:"http://localhost:3001"`
	Order     string `env:"ORDER_SERVICE_URL" envDefault:"http://localhost:3002"`
	Pricing   string `env:"PRICING_SERVICE_URL" envDefault:"http://localhost:3003"`
	Tenant    string `env:"TENANT_SERVICE_URL" envDefault:"http://localhost:3004"`
	Analytics string `env:"ANALYTICS_SERVICE_URL" envDefault:"http://localhost:3005"`
}

// Config はゲートウェイの起動設定。起動時に一度だけ環境変数から読み込む。
type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	JWTSecret   string   `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	JWTIssuer   string   `env:"JWT_ISSUER"`

	Services ServiceURLs

	ProxyTimeout  time.Duration `env:"PROXY_TIMEOUT" envDefault:"30s"`
	HealthTimeout time.Duration `env:"HEALTH_TIMEOUT" envDefault:"3s"`

	GlobalRateLimitWindow  time.Duration `env:"GLOBAL_RATE_LIMIT_WINDOW" envDefault:"15m"`
	GlobalRateLimitMax     int           `env:"GLOBAL_RATE_LIMIT_MAX" envDefault:"1000"`
	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"1m"`

	MaxBodyBytes int64  `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	AuditDBPath  string `env:"AUDIT_DB_PATH" envDefault:"file:gateway-audit.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig は環境変数から設定を読み込み、検証する。
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT は必須です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET は空にできません"))
	}
	if c.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("PROXY_TIMEOUT は正の値である必要があります"))
	}
	if c.HealthTimeout <= 0 {
		errs = append(errs, errors.New("HEALTH_TIMEOUT は正の値である必要があります"))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_SWEEP_INTERVAL は正の値である必要があります"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES は正の値である必要があります"))
	}
	if err := c.GlobalTier().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("グローバルレート制限: %w", err))
	}
	for name, raw := range map[string]string{
		"PRODUCT_SERVICE_URL":   c.Services.Product,
		"ORDER_SERVICE_URL":     c.Services.Order,
		"PRICING_SERVICE_URL":   c.Services.Pricing,
		"TENANT_SERVICE_URL":    c.Services.Tenant,
		"ANALYTICS_SERVICE_URL": c.Services.Analytics,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s は絶対URLである必要があります: %q", name, raw))
		}
	}
	return errors.Join(errs...)
}

// GlobalTier はAPI全体に適用する最も粗いティアを返す。
func (c Config) GlobalTier() ratelimit.Tier {
	return ratelimit.Tier{
		Name:   "global",
		Window: c.GlobalRateLimitWindow,
		Max:    c.GlobalRateLimitMax,
	}
}

// UsesDefaultSecret は開発用の秘密鍵のまま起動しようとしているかを返す。
func (c Config) UsesDefaultSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}
