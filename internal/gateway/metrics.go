package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/tenantgate/pkg/middleware"
)

const (
	metricsNamespace = "tenantgate"
	metricsSubsystem = "gateway"
)

// Metrics はゲートウェイのPrometheusメトリクスを保持する。
// グローバルレジストリは使わず、サーバーごとに専用のレジストリを持つ。
type Metrics struct {
	registry *prometheus.Registry

	// Requests はゲートウェイが返したレスポンス数（ステータスコード別）。
	Requests *prometheus.CounterVec
	// Rejections はゲートウェイ自身が拒否したリクエスト数（エラーコード別）。
	Rejections *prometheus.CounterVec
	// ProxyDuration はバックエンドへの転送にかかった時間（ルート・結果別）。
	ProxyDuration *prometheus.HistogramVec
	// SweptBuckets は掃除されたレート制限バケット数。
	SweptBuckets prometheus.Counter
	// AuditDropped は監査キューが溢れて記録できなかったイベント数。
	AuditDropped prometheus.Counter
}

// NewMetrics はメトリクスを生成して専用レジストリに登録する。
// bucketsはレート制限バケットの現在数を返す関数で、nilの場合は登録しない。
func NewMetrics(buckets func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Count of responses returned by the gateway",
		}, []string{"method", "status"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejections_total",
			Help:      "Count of requests rejected by the gateway before reaching a backend",
		}, []string{"code"}),
		ProxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "proxy_duration_seconds",
			Help:      "Histogram of time spent forwarding requests to backends",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"route", "result"}),
		SweptBuckets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ratelimit_swept_buckets_total",
			Help:      "Count of expired rate limit buckets removed by the sweeper",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "audit_dropped_total",
			Help:      "Count of audit events dropped because the queue was full",
		}),
	}

	m.registry.MustRegister(
		m.Requests,
		m.Rejections,
		m.ProxyDuration,
		m.SweptBuckets,
		m.AuditDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if buckets != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ratelimit_buckets",
			Help:      "Number of live rate limit buckets",
		}, func() float64 { return float64(buckets()) }))
	}
	return m
}

// Registry は専用レジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /gateway/metrics 用のハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProxy はバックエンド転送の所要時間を記録する。
func (m *Metrics) ObserveProxy(route, result string, d time.Duration) {
	m.ProxyDuration.WithLabelValues(route, result).Observe(d.Seconds())
}

// Middleware はレスポンス数と拒否数を集計するGinミドルウェアを返す。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			m.Requests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
			if code := middleware.GetErrorCode(c); code != "" {
				m.Rejections.WithLabelValues(code).Inc()
			}
		}()

		c.Next()
	}
}
