// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロバイダー、アップロード処理、ドキュメントストアから利用する。
type MetricsCollector interface {
	RecordAuthOperation(operation string, success bool)
	RecordUpload(success bool, duration time.Duration)
	RecordMoodEntry()
	RecordHTTPStatus(statusCode int)
	SubscriptionOpened()
	SubscriptionClosed()
	SetActiveClients(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authOps       *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	uploadLatency prometheus.Histogram
	moodEntries   prometheus.Counter
	httpStatus    *prometheus.CounterVec
	subscriptions prometheus.Gauge
	activeClients prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kokoro_auth_operations_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"operation", "result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kokoro_photo_uploads_total",
			Help: "写真アップロードの結果別の合計数",
		}, []string{"result"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kokoro_photo_upload_latency_seconds",
			Help:    "写真アップロードのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		moodEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kokoro_mood_entries_total",
			Help: "記録された気分エントリの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kokoro_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kokoro_live_subscriptions",
			Help: "購読中のライブクエリ数",
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kokoro_active_clients",
			Help: "レジストリが保持しているクライアント数",
		}),
	}

	reg.MustRegister(
		c.authOps,
		c.uploads,
		c.uploadLatency,
		c.moodEntries,
		c.httpStatus,
		c.subscriptions,
		c.activeClients,
	)

	return c
}

// RecordAuthOperation は認証操作の結果を記録する。
func (c *Collector) RecordAuthOperation(operation string, success bool) {
	c.authOps.WithLabelValues(operation, resultLabel(success)).Inc()
}

// RecordUpload は写真アップロードの結果とレイテンシを記録する。
func (c *Collector) RecordUpload(success bool, duration time.Duration) {
	c.uploads.WithLabelValues(resultLabel(success)).Inc()
	c.uploadLatency.Observe(duration.Seconds())
}

// RecordMoodEntry は気分エントリの記録を数える。
func (c *Collector) RecordMoodEntry() {
	c.moodEntries.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SubscriptionOpened はライブクエリの購読開始を記録する。
func (c *Collector) SubscriptionOpened() {
	c.subscriptions.Inc()
}

// SubscriptionClosed はライブクエリの購読終了を記録する。
func (c *Collector) SubscriptionClosed() {
	c.subscriptions.Dec()
}

// SetActiveClients はレジストリのクライアント数を設定する。
func (c *Collector) SetActiveClients(count int) {
	c.activeClients.Set(float64(count))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthOperation(string, bool) {}
func (Nop) RecordUpload(bool, time.Duration) {}
func (Nop) RecordMoodEntry()                 {}
func (Nop) RecordHTTPStatus(int)             {}
func (Nop) SubscriptionOpened()              {}
func (Nop) SubscriptionClosed()              {}
func (Nop) SetActiveClients(int)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
