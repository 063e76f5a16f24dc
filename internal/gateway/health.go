package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/tenantgate/pkg/httpclient"
)

const (
	// HealthHealthy は全バックエンドが正常な状態。
	HealthHealthy = "healthy"
	// HealthDegraded は一部のバックエンドが応答しない状態。
	HealthDegraded = "degraded"
	// HealthUnhealthy は集約自体が完了できなかった状態。
	HealthUnhealthy = "unhealthy"
)

// healthPath はバックエンドの死活確認パス。
const healthPath = "/health"

// HealthRecord は1ルート分の死活確認結果。
type HealthRecord struct {
	Route     string `json:"route"`
	Service   string `json:"service"`
	Status    string `json:"status"`
	Port      string `json:"port"`
	LatencyMs int64  `json:"latencyMs"`
	// Error は失敗理由の短い分類（timeout, unreachable, status=503）。
	// 認証不要のエンドポイントで返すため、接続先アドレスを含む元のエラーはログにだけ出す。
	Error string `json:"error,omitempty"`
}

// HealthReport は死活確認の集約結果。
type HealthReport struct {
	Status   string
	Services []HealthRecord
}

// pingResult は転送先1件に対する確認結果。
type pingResult struct {
	err     error
	latency time.Duration
}

// HealthAggregator は全バックエンドへの死活確認を並行に行い、結果を集約する。
type HealthAggregator struct {
	routes  *RouteTable
	clients map[string]*httpclient.Client
	logger  *zap.Logger
}

// NewHealthAggregator は転送先ごとに死活確認クライアントを用意する。
// timeoutは1件ごとに独立して適用される。
func NewHealthAggregator(routes *RouteTable, timeout time.Duration, transport http.RoundTripper, logger *zap.Logger) *HealthAggregator {
	clients := make(map[string]*httpclient.Client)
	for _, target := range routes.Targets() {
		key := target.String()
		clients[key] = httpclient.New(strings.TrimRight(key, "/"), timeout, transport)
	}
	return &HealthAggregator{routes: routes, clients: clients, logger: logger}
}

// Check は転送先ごとに1回ずつ死活確認を行い、ルートごとの結果に展開する。
// 応答しないバックエンドがあっても合計の待ち時間は1件分のタイムアウトに収まる。
// ctxが確認の途中で終了した場合は集約失敗としてエラーを返す。
func (h *HealthAggregator) Check(ctx context.Context) (HealthReport, error) {
	results := make(map[string]*pingResult, len(h.clients))
	for key := range h.clients {
		results[key] = &pingResult{}
	}

	var g errgroup.Group
	for key, client := range h.clients {
		res := results[key]
		g.Go(func() error {
			start := time.Now()
			res.err = client.Ping(ctx, healthPath)
			res.latency = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return HealthReport{Status: HealthUnhealthy}, fmt.Errorf("死活確認の集約を完了できません: %w", err)
	}

	for key, res := range results {
		if res.err != nil {
			h.logger.Warn("backend health check failed",
				zap.String("target", key),
				zap.Duration("latency", res.latency),
				zap.Error(res.err),
			)
		}
	}

	report := HealthReport{Status: HealthHealthy}
	for _, e := range h.routes.Entries() {
		res := results[e.Target.String()]
		rec := HealthRecord{
			Route:     e.PathPrefix,
			Service:   e.Service,
			Status:    HealthHealthy,
			Port:      e.Port(),
			LatencyMs: res.latency.Milliseconds(),
		}
		if res.err != nil {
			rec.Status = HealthUnhealthy
			rec.Error = failureReason(res.err)
			report.Status = HealthDegraded
		}
		report.Services = append(report.Services, rec)
	}
	return report, nil
}

// failureReason は死活確認のエラーを外部に返せる短い理由に変換する。
func failureReason(err error) string {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return "status=" + strconv.Itoa(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "unreachable"
}
