// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証操作の結果ラベル
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// 復旧処理の起点ラベル
const (
	TriggerSignIn = "signin"
	TriggerSelf   = "self"
	TriggerAdmin  = "admin"
	TriggerSweep  = "sweep"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(operation, result string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordProfilePersistenceFailure()
	RecordProfileReconciled(trigger string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts       *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	persistenceFailure prometheus.Counter
	reconciled         *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_auth_attempts_total",
			Help: "認証操作の試行数（操作・結果別）",
		}, []string{"operation", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursehub_provider_request_duration_seconds",
			Help:    "IdP呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		persistenceFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coursehub_profile_persistence_failures_total",
			Help: "IdP登録後のプロフィール保存失敗の合計数",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_profiles_reconciled_total",
			Help: "復旧されたプロフィールの合計数（起点別）",
		}, []string{"trigger"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.providerLatency,
		c.persistenceFailure,
		c.reconciled,
		c.httpStatus,
	)

	return c
}

// RecordAuthAttempt は認証操作の結果を記録する。
func (c *Collector) RecordAuthAttempt(operation, result string) {
	c.authAttempts.WithLabelValues(operation, result).Inc()
}

// RecordProviderLatency はIdP呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProfilePersistenceFailure はプロフィール保存失敗を記録する。
func (c *Collector) RecordProfilePersistenceFailure() {
	c.persistenceFailure.Inc()
}

// RecordProfileReconciled はプロフィールの復旧を記録する。
func (c *Collector) RecordProfileReconciled(trigger string) {
	c.reconciled.WithLabelValues(trigger).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時やテストで使用する。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string) {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordProfilePersistenceFailure() {}
func (Nop) RecordProfileReconciled(string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
