package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/tenantgate/pkg/httpclient"
	"github.com/nao1215/tenantgate/pkg/middleware"
	"github.com/nao1215/tenantgate/pkg/ratelimit"
)

// Version はゲートウェイのバージョン。ビルド時に -ldflags で上書きする。
var Version = "dev"

const (
	// serviceName は/gateway/infoなどで返すサービス名。
	serviceName = "tenantgate"
	// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
	shutdownTimeout = 15 * time.Second
	// auditQueueSize は監査イベントのキューの長さ。
	auditQueueSize = 1024
)

// Ginコンテキストのキー。
const (
	routeKey       = "gateway_route"
	auditDetailKey = "gateway_audit_detail"
)

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動設定。
	cfg    Config
	logger *zap.Logger

	routes   *RouteTable
	limiter  *ratelimit.FixedWindow
	proxy    *Proxy
	health   *HealthAggregator
	metrics  *Metrics
	audit    *AuditStore
	recorder *AuditRecorder
	now      func() time.Time
}

// serverOptions はNewServerの任意設定。
type serverOptions struct {
	routes    []RouteEntry
	now       func() time.Time
	transport http.RoundTripper
}

// Option はNewServerの任意設定を行う関数。
type Option func(*serverOptions)

// WithRoutes は標準のルート定義の代わりに使うルートを指定する。
func WithRoutes(entries []RouteEntry) Option {
	return func(o *serverOptions) {
		o.routes = entries
	}
}

// WithClock はレート制限に使う時刻の取得関数を指定する。
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) {
		o.now = now
	}
}

// WithTransport はバックエンドへの転送と死活確認に使うTransportを指定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(o *serverOptions) {
		o.transport = rt
	}
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	o := &serverOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	entries := o.routes
	if entries == nil {
		var err error
		if entries, err = DefaultRoutes(cfg.Services); err != nil {
			return nil, fmt.Errorf("ルート定義の構築に失敗: %w", err)
		}
	}
	routes, err := NewRouteTable(entries)
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}

	store, err := OpenAuditStore(ctx, cfg.AuditDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("監査ストアの初期化に失敗: %w", err)
	}

	limiter := ratelimit.NewFixedWindow(ratelimit.WithClock(o.now))
	metrics := NewMetrics(limiter.Len)

	router := gin.New()
	// /api/v1 などへの301を返さず、JSONの404として扱う
	router.RedirectTrailingSlash = false
	if err := router.SetTrustedProxies(nil); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}

	s := &Server{
		router:  router,
		cfg:     cfg,
		logger:  logger,
		routes:  routes,
		limiter: limiter,
		proxy: NewProxy(routes, ProxyOptions{
			Timeout:   cfg.ProxyTimeout,
			Transport: o.transport,
			Logger:    logger,
			Metrics:   metrics,
		}),
		health:   NewHealthAggregator(routes, cfg.HealthTimeout, o.transport, logger),
		metrics:  metrics,
		audit:    store,
		recorder: NewAuditRecorder(store, logger, auditQueueSize, metrics.AuditDropped.Inc),
		now:      o.now,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーとバケットの掃除を起動し、ctxが終了したらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", zap.String("addr", srv.Addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.limiter.Run(gctx, s.cfg.RateLimitSweepInterval, func(removed int) {
			s.metrics.SweptBuckets.Add(float64(removed))
			if removed > 0 {
				s.logger.Debug("rate limit buckets swept", zap.Int("removed", removed))
			}
		})
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("gateway shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close は監査キューを書き切ってからデータベースを閉じる。
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(s.recorder.Close(ctx), s.audit.Close())
}

// setupRoutes はミドルウェアとルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.SecurityHeaders(),
		middleware.RequestLogger(s.logger),
		s.metrics.Middleware(),
		s.auditRejections(),
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.ContentFilter(s.logger, middleware.ContentFilterOptions{
			MaxBodyBytes: s.cfg.MaxBodyBytes,
			OnReject: func(c *gin.Context, _ middleware.APIError, label string) {
				c.Set(auditDetailKey, "pattern="+label)
			},
		}),
	)

	auth := middleware.JWTAuth(s.cfg.JWTSecret,
		middleware.WithIssuer(s.cfg.JWTIssuer),
		middleware.WithAuthFailureHook(func(c *gin.Context, _ middleware.APIError, err error) {
			if err != nil {
				c.Set(auditDetailKey, err.Error())
			}
		}),
	)

	// 運用向けエンドポイント（認証不要）
	ops := s.router.Group("/gateway")
	{
		ops.GET("/info", s.handleInfo())
		ops.GET("/routes", s.handleRoutes())
		ops.GET("/health", s.handleHealth())
		ops.GET("/metrics", gin.WrapH(s.metrics.Handler()))
		// 監査ログは管理者のみ
		ops.GET("/audit", auth, middleware.RequireRole("admin"), s.handleAudit())
	}

	// 認証・レート制限付きのプロキシ対象API
	api := s.router.Group(APIPrefix)
	api.Use(
		middleware.RateLimit(s.logger, middleware.RateLimitOptions{
			Name:     "global",
			Limiter:  s.limiter,
			Key:      func(c *gin.Context) string { return "global|" + c.ClientIP() },
			Tier:     func(*gin.Context) ratelimit.Tier { return s.cfg.GlobalTier() },
			OnReject: s.rateLimitRejected,
			Now:      s.now,
		}),
		auth,
		s.resolveRoute(),
		middleware.RateLimit(s.logger, middleware.RateLimitOptions{
			Name:     "route",
			Limiter:  s.limiter,
			Key:      routeLimitKey,
			Tier:     func(c *gin.Context) ratelimit.Tier { return mustRoute(c).Tier },
			OnReject: s.rateLimitRejected,
			Now:      s.now,
		}),
	)
	api.Any("/*path", s.handleProxy())

	s.router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, middleware.ErrRouteNotFound)
	})
}

// resolveRoute はパスに最長一致するルートを解決してコンテキストに設定する。
func (s *Server) resolveRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := s.routes.Resolve(c.Request.URL.Path)
		if !ok {
			middleware.AbortWithError(c, middleware.ErrRouteNotFound)
			return
		}
		c.Set(routeKey, route)
		c.Next()
	}
}

// mustRoute はresolveRouteが設定したルートを返す。
func mustRoute(c *gin.Context) RouteEntry {
	return c.MustGet(routeKey).(RouteEntry)
}

// routeLimitKey はテナントとルートの組をバケットのキーにする。
func routeLimitKey(c *gin.Context) string {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		return ""
	}
	return "route|" + auth.TenantID + "|" + mustRoute(c).PathPrefix
}

// rateLimitRejected は拒否したレイヤー名を監査ログの詳細に残す。
func (s *Server) rateLimitRejected(c *gin.Context, _ middleware.APIError, layer string) {
	c.Set(auditDetailKey, "layer="+layer)
}

// auditRejections はゲートウェイ自身が返したエラーを監査ログに記録する。
// バックエンドが返したエラーは記録しない。
func (s *Server) auditRejections() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		code := middleware.GetErrorCode(c)
		if code == "" {
			return
		}
		event := AuditEvent{
			RequestID: middleware.GetRequestID(c),
			Code:      code,
			ClientIP:  c.ClientIP(),
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Detail:    c.GetString(auditDetailKey),
		}
		if auth, ok := middleware.GetAuthContext(c); ok {
			event.TenantID = auth.TenantID
		}
		if err := s.recorder.Record(event); err != nil {
			s.logger.Debug("audit event not recorded",
				zap.String("request_id", event.RequestID),
				zap.Error(err),
			)
		}
	}
}

// handleProxy は解決済みのルートへリクエストを転送するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.proxy.Forward(c, mustRoute(c))
	}
}

// handleInfo はゲートウェイと転送先サービスの概要を返すハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		services := make([]gin.H, 0)
		for _, e := range s.routes.Entries() {
			services = append(services, gin.H{
				"path":    e.PathPrefix,
				"target":  e.Target.String(),
				"port":    e.Port(),
				"service": e.Service,
				"tier":    e.Tier.Name,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"name":        serviceName,
			"version":     Version,
			"description": "Multi-tenant API gateway",
			"services":    services,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// handleRoutes はルート定義とティアの一覧を返すハンドラを返す。
func (s *Server) handleRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		routes := make([]gin.H, 0)
		for _, e := range s.routes.Entries() {
			routes = append(routes, gin.H{
				"path":    e.PathPrefix,
				"target":  e.Target.String(),
				"service": e.Service,
				"tier":    e.Tier.Name,
				"window":  e.Tier.Window.String(),
				"max":     e.Tier.Max,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"routes":    routes,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// handleHealth は全バックエンドの死活確認を集約して返すハンドラを返す。
// 集約自体が完了できなかった場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
		report, err := s.health.Check(ctx)
		if err != nil {
			s.logger.Error("health aggregation failed",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    HealthUnhealthy,
				"service":   serviceName,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"error":     "Health check failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    report.Status,
			"service":   serviceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services":  report.Services,
		})
	}
}

// handleAudit は直近の監査イベントを返すハンドラを返す。
func (s *Server) handleAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAuditListLimit)))
		if err != nil {
			limit = defaultAuditListLimit
		}

		events, err := s.audit.List(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("audit list failed",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err),
			)
			middleware.AbortWithError(c, middleware.ErrInternal)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events":    events,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
