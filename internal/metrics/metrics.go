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
// ワーカーやWebSubマネージャから利用する。
type MetricsCollector interface {
	RecordJobClaimed(jobType string)
	RecordJobFinished(jobType string, success bool)
	RecordFetchLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordEntriesUpserted(count int)
	RecordWebSubChallenge(mode string, accepted bool)
	RecordWebSubNotification(verified bool)
	RecordRedirectMigration()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobsClaimed      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	httpStatus       *prometheus.CounterVec
	entriesUpserted  prometheus.Counter
	websubChallenges *prometheus.CounterVec
	websubNotifies   *prometheus.CounterVec
	migrations       prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_jobs_claimed_total",
			Help: "クレームされたジョブのジョブ種別ごとの合計数",
		}, []string{"job_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_jobs_finished_total",
			Help: "完了報告されたジョブのジョブ種別・結果ごとの合計数",
		}, []string{"job_type", "result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		entriesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_entries_upserted_total",
			Help: "アップサートされた記事の合計数",
		}),
		websubChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_websub_challenges_total",
			Help: "WebSub検証チャレンジのモード・結果ごとの合計数",
		}, []string{"mode", "result"}),
		websubNotifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_websub_notifications_total",
			Help: "WebSub通知の署名検証結果ごとの合計数",
		}, []string{"result"}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_redirect_migrations_total",
			Help: "リダイレクト移行の合計数",
		}),
	}

	reg.MustRegister(
		c.jobsClaimed,
		c.jobsFinished,
		c.fetchLatency,
		c.httpStatus,
		c.entriesUpserted,
		c.websubChallenges,
		c.websubNotifies,
		c.migrations,
	)

	return c
}

// RecordJobClaimed はジョブのクレームを記録する。
func (c *Collector) RecordJobClaimed(jobType string) {
	c.jobsClaimed.WithLabelValues(jobType).Inc()
}

// RecordJobFinished はジョブの完了を記録する。
func (c *Collector) RecordJobFinished(jobType string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.jobsFinished.WithLabelValues(jobType, result).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordEntriesUpserted はアップサートされた記事数を記録する。
func (c *Collector) RecordEntriesUpserted(count int) {
	c.entriesUpserted.Add(float64(count))
}

// RecordWebSubChallenge はWebSub検証チャレンジの結果を記録する。
func (c *Collector) RecordWebSubChallenge(mode string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.websubChallenges.WithLabelValues(mode, result).Inc()
}

// RecordWebSubNotification はWebSub通知の署名検証結果を記録する。
func (c *Collector) RecordWebSubNotification(verified bool) {
	result := "verified"
	if !verified {
		result = "rejected"
	}
	c.websubNotifies.WithLabelValues(result).Inc()
}

// RecordRedirectMigration はリダイレクト移行を記録する。
func (c *Collector) RecordRedirectMigration() {
	c.migrations.Inc()
}

// Noop は何も記録しないMetricsCollector。テスト用。
type Noop struct{}

func (Noop) RecordJobClaimed(string)            {}
func (Noop) RecordJobFinished(string, bool)     {}
func (Noop) RecordFetchLatency(time.Duration)   {}
func (Noop) RecordHTTPStatus(int)               {}
func (Noop) RecordEntriesUpserted(int)          {}
func (Noop) RecordWebSubChallenge(string, bool) {}
func (Noop) RecordWebSubNotification(bool)      {}
func (Noop) RecordRedirectMigration()           {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
