package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/nao1215/tenantgate/pkg/ratelimit"
)

// APIPrefix はプロキシ対象となるバージョン付きAPIのパスプレフィックス。
const APIPrefix = "/api/v1"

// RouteEntry はパスプレフィックスとバックエンドの対応を表す。起動時に一度だけ構築され、以後変更されない。
type RouteEntry struct {
	// PathPrefix はマッチ対象のパスプレフィックス（例: /api/v1/orders）。
	PathPrefix string
	// Target は転送先バックエンドのベースURL。
	Target *url.URL
	// Tier はこのルートに適用するレート制限ティア。
	Tier ratelimit.Tier
	// Service はバックエンドサービスの表示名（product, order など）。
	Service string
}

// Port は転送先のポート番号を返す。URLに明示されていない場合はスキームの既定値を返す。
func (r RouteEntry) Port() string {
	if p := r.Target.Port(); p != "" {
		return p
	}
	if r.Target.Scheme == "https" {
		return "443"
	}
	return "80"
}

// matches はpathがプレフィックスにセグメント境界で一致するかを返す。
// /api/v1/orders は /api/v1/orders/123 に一致するが /api/v1/ordersx には一致しない。
func (r RouteEntry) matches(path string) bool {
	if !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	rest := path[len(r.PathPrefix):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(r.PathPrefix, "/")
}

// RouteTable は最長一致でルートを解決する読み取り専用のテーブル。
type RouteTable struct {
	// entries はプレフィックス長の降順に並んだルート。
	entries []RouteEntry
	// ordered は定義順のルート。一覧表示に使う。
	ordered []RouteEntry
}

// ErrInvalidRoute はルート定義が不正な場合のエラー。
var ErrInvalidRoute = errors.New("invalid route")

// NewRouteTable はルート定義を検証してテーブルを構築する。
func NewRouteTable(entries []RouteEntry) (*RouteTable, error) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.PathPrefix == "" || !strings.HasPrefix(e.PathPrefix, "/") {
			return nil, fmt.Errorf("%w: プレフィックスは / で始まる必要があります: %q", ErrInvalidRoute, e.PathPrefix)
		}
		if e.Target == nil || !e.Target.IsAbs() || e.Target.Host == "" {
			return nil, fmt.Errorf("%w: %s の転送先は絶対URLである必要があります", ErrInvalidRoute, e.PathPrefix)
		}
		if err := e.Tier.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRoute, e.PathPrefix, err)
		}
		if _, dup := seen[e.PathPrefix]; dup {
			return nil, fmt.Errorf("%w: プレフィックスが重複しています: %s", ErrInvalidRoute, e.PathPrefix)
		}
		seen[e.PathPrefix] = struct{}{}
	}

	ordered := append([]RouteEntry(nil), entries...)
	sorted := append([]RouteEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &RouteTable{entries: sorted, ordered: ordered}, nil
}

// Resolve はpathに最長一致するルートを返す。一致するルートがない場合はfalseを返す。
func (t *RouteTable) Resolve(path string) (RouteEntry, bool) {
	for _, e := range t.entries {
		if e.matches(path) {
			return e, true
		}
	}
	return RouteEntry{}, false
}

// Entries は定義順のルート一覧のコピーを返す。
func (t *RouteTable) Entries() []RouteEntry {
	return append([]RouteEntry(nil), t.ordered...)
}

// Targets は重複を除いた転送先の一覧を定義順で返す。
func (t *RouteTable) Targets() []*url.URL {
	seen := make(map[string]struct{})
	var targets []*url.URL
	for _, e := range t.ordered {
		key := e.Target.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, e.Target)
	}
	return targets
}

// routeDef はDefaultRoutesの定義行。
type routeDef struct {
	segment string
	service string
	tier    ratelimit.Tier
}

// defaultRouteDefs はゲートウェイが公開するAPIセグメントの一覧。
var defaultRouteDefs = []routeDef{
	{"products", "product", ratelimit.TierNormal},
	{"marketplaces", "product", ratelimit.TierNormal},
	{"vendors", "product", ratelimit.TierNormal},
	{"inventory", "product", ratelimit.TierHigh},
	{"orders", "order", ratelimit.TierNormal},
	{"accounting", "order", ratelimit.TierStrict},
	{"pricing", "pricing", ratelimit.TierHigh},
	{"tenants", "tenant", ratelimit.TierStrict},
	{"auth", "tenant", ratelimit.TierStrict},
	{"security", "tenant", ratelimit.TierStrict},
	{"notifications", "tenant", ratelimit.TierNormal},
	{"analytics", "analytics", ratelimit.TierNormal},
	{"performance", "analytics", ratelimit.TierHigh},
}

// DefaultRoutes はサービスURLから標準のルート定義を構築する。
func DefaultRoutes(urls ServiceURLs) ([]RouteEntry, error) {
	byService := map[string]string{
		"product":   urls.Product,
		"order":     urls.Order,
		"pricing":   urls.Pricing,
		"tenant":    urls.Tenant,
		"analytics": urls.Analytics,
	}

	parsed := make(map[string]*url.URL, len(byService))
	for service, raw := range byService {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s サービスのURLが不正です: %w", service, err)
		}
		parsed[service] = u
	}

	entries := make([]RouteEntry, 0, len(defaultRouteDefs))
	for _, s := range defaultRouteDefs {
		entries = append(entries, RouteEntry{
			PathPrefix: APIPrefix + "/" + s.segment,
			Target:     parsed[s.service],
			Tier:       s.tier,
			Service:    s.service,
		})
	}
	return entries, nil
}
