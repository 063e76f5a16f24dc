package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/tenantgate/pkg/middleware"
)

const (
	// proxyDialTimeout はバックエンドへのTCP接続確立の上限。
	proxyDialTimeout = 5 * time.Second
	// proxyIdleConnTimeout はアイドル接続を保持する時間。
	proxyIdleConnTimeout = 90 * time.Second
)

// proxyContextKey はReverseProxyのコールバックにGinコンテキストを渡すためのキー。
type proxyContextKey struct{}

// proxyState は転送1件分の状態。ReverseProxyのコールバック間で共有する。
type proxyState struct {
	c      *gin.Context
	route  RouteEntry
	failed bool
}

// identityHeaders は呼び出し元から受け取っても必ず上書きするヘッダー。
var identityHeaders = []string{
	middleware.HeaderTenantID,
	middleware.HeaderUserID,
	middleware.HeaderUserRole,
}

// ProxyOptions はProxyの設定。
type ProxyOptions struct {
	// Timeout は1リクエストの転送にかけられる最大時間。
	Timeout time.Duration
	// Transport はバックエンドへの接続に使う。nilの場合はNewTransportで生成する。
	Transport http.RoundTripper
	// Logger は転送失敗を記録する。
	Logger *zap.Logger
	// Metrics は転送時間を記録する。nilの場合は記録しない。
	Metrics *Metrics
}

// Proxy は解決済みのルートへリクエストを転送する。
// 転送先ごとにReverseProxyを1つ持ち、Transportは全転送先で共有する。
type Proxy struct {
	proxies map[string]*httputil.ReverseProxy
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// NewTransport はバックエンド転送用のTransportを生成する。
// 接続確立とレスポンスヘッダー受信のそれぞれに上限を設ける。
func NewTransport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   proxyDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       proxyIdleConnTimeout,
	}
}

// NewProxy はルートテーブルの転送先ごとにReverseProxyを構築する。
func NewProxy(routes *RouteTable, opts ProxyOptions) *Proxy {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Proxy{
		proxies: make(map[string]*httputil.ReverseProxy),
		timeout: opts.Timeout,
		logger:  logger,
		metrics: opts.Metrics,
	}
	for _, target := range routes.Targets() {
		p.proxies[target.String()] = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				// 元のパスとクエリをそのまま転送先のベースURLに連結する
				pr.SetURL(target)
				pr.SetXForwarded()
			},
			Transport:      transport,
			ModifyResponse: p.modifyResponse,
			ErrorHandler:   p.handleError,
		}
	}
	return p
}

// Forward はリクエストに認証コンテキストのヘッダーを付与して転送する。
// バックエンドのレスポンスはステータス・ヘッダー・ボディともにそのまま返す。
// 転送に失敗した場合は502を返し、自動での再試行は行わない。
func (p *Proxy) Forward(c *gin.Context, route RouteEntry) {
	rp, ok := p.proxies[route.Target.String()]
	if !ok {
		p.logger.Error("no proxy for route target",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("route", route.PathPrefix),
		)
		middleware.AbortWithError(c, middleware.ErrInternal)
		return
	}

	ctx := c.Request.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	state := &proxyState{c: c, route: route}
	ctx = context.WithValue(ctx, proxyContextKey{}, state)

	req := c.Request.Clone(ctx)
	for _, h := range identityHeaders {
		req.Header.Del(h)
	}
	if auth, ok := middleware.GetAuthContext(c); ok {
		req.Header.Set(middleware.HeaderTenantID, auth.TenantID)
		req.Header.Set(middleware.HeaderUserID, auth.UserID)
		req.Header.Set(middleware.HeaderUserRole, auth.Role)
	}
	req.Header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))

	start := time.Now()
	rp.ServeHTTP(c.Writer, req)

	if p.metrics != nil {
		result := "ok"
		if state.failed {
			result = "error"
		}
		p.metrics.ObserveProxy(route.PathPrefix, result, time.Since(start))
	}
}

// modifyResponse はゲートウェイが付与したヘッダーとバックエンドのヘッダーが重複しないようにする。
func (p *Proxy) modifyResponse(resp *http.Response) error {
	for k := range resp.Header {
		if gatewayOwnedHeader(k) {
			resp.Header.Del(k)
		}
	}
	return nil
}

// gatewayOwnedHeader はゲートウェイ側の値を優先するレスポンスヘッダーかを返す。
func gatewayOwnedHeader(name string) bool {
	name = http.CanonicalHeaderKey(name)
	switch {
	case middleware.IsSecurityHeader(name):
		return true
	case name == middleware.HeaderRequestID:
		return true
	case strings.HasPrefix(name, "X-Ratelimit-"):
		return true
	case strings.HasPrefix(name, "Access-Control-"):
		return true
	}
	return false
}

// handleError はバックエンドに到達できなかった場合に502を返す。
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	state, ok := r.Context().Value(proxyContextKey{}).(*proxyState)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	state.failed = true

	fields := []zap.Field{
		zap.String("request_id", middleware.GetRequestID(state.c)),
		zap.String("route", state.route.PathPrefix),
		zap.String("target", state.route.Target.String()),
		zap.Error(err),
	}
	if errors.Is(err, context.DeadlineExceeded) {
		fields = append(fields, zap.Duration("timeout", p.timeout))
	}
	p.logger.Error("proxy request failed", fields...)

	middleware.AbortWithError(state.c, middleware.ErrServiceUnavailable, gin.H{"service": state.route.PathPrefix})
}
