// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 検索と画像取り込みの結果ラベル
const (
	OutcomeOK         = "ok"
	OutcomeParseError = "parse_error"
	OutcomeError      = "error"
	OutcomeRejected   = "rejected"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、整合ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSearch(outcome string, duration time.Duration)
	RecordIndexWrite(ok bool)
	RecordIndexDrift(removed int)
	RecordReconciled(count int)
	RecordReindex(count int, duration time.Duration)
	RecordImageIngest(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	searches        *prometheus.CounterVec
	searchLatency   prometheus.Histogram
	indexWrites     *prometheus.CounterVec
	indexDrift      prometheus.Counter
	reconciled      prometheus.Counter
	reindexRuns     prometheus.Counter
	reindexedPosts  prometheus.Gauge
	reindexDuration prometheus.Histogram
	imageIngests    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_search_requests_total",
			Help: "結果別の検索リクエスト数",
		}, []string{"outcome"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postboard_search_latency_seconds",
			Help:    "検索のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		indexWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_index_writes_total",
			Help: "結果別の検索インデックス書き込み数",
		}, []string{"result"}),
		indexDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_index_drift_removed_total",
			Help: "ストアに存在しないため検索インデックスから削除したエントリ数",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_reconciled_posts_total",
			Help: "整合ワーカーが再インデックスした投稿の合計数",
		}),
		reindexRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_reindex_runs_total",
			Help: "検索インデックスの全再構築の実行回数",
		}),
		reindexedPosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postboard_reindex_last_posts",
			Help: "直近の全再構築で登録した投稿数",
		}),
		reindexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postboard_reindex_duration_seconds",
			Help:    "検索インデックスの全再構築にかかった時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		imageIngests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_image_ingest_total",
			Help: "結果別の画像取り込み数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.searches,
		c.searchLatency,
		c.indexWrites,
		c.indexDrift,
		c.reconciled,
		c.reindexRuns,
		c.reindexedPosts,
		c.reindexDuration,
		c.imageIngests,
		c.httpStatus,
	)

	return c
}

// RecordSearch は検索の結果とレイテンシを記録する。
func (c *Collector) RecordSearch(outcome string, duration time.Duration) {
	c.searches.WithLabelValues(outcome).Inc()
	c.searchLatency.Observe(duration.Seconds())
}

// RecordIndexWrite はインデックス書き込みの成否を記録する。
func (c *Collector) RecordIndexWrite(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.indexWrites.WithLabelValues(result).Inc()
}

// RecordIndexDrift は検索時に修復したエントリ数を記録する。
func (c *Collector) RecordIndexDrift(removed int) {
	c.indexDrift.Add(float64(removed))
}

// RecordReconciled は整合ワーカーが処理した投稿数を記録する。
func (c *Collector) RecordReconciled(count int) {
	c.reconciled.Add(float64(count))
}

// RecordReindex は全再構築の結果を記録する。
func (c *Collector) RecordReindex(count int, duration time.Duration) {
	c.reindexRuns.Inc()
	c.reindexedPosts.Set(float64(count))
	c.reindexDuration.Observe(duration.Seconds())
}

// RecordImageIngest は画像取り込みの結果を記録する。
func (c *Collector) RecordImageIngest(outcome string) {
	c.imageIngests.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordSearch(string, time.Duration) {}
func (Nop) RecordIndexWrite(bool) {}
func (Nop) RecordIndexDrift(int) {}
func (Nop) RecordReconciled(int) {}
func (Nop) RecordReindex(int, time.Duration) {}
func (Nop) RecordImageIngest(string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
