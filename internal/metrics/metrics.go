// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/tagscout/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチ・バッチ・スケジューラから利用する。
type MetricsCollector interface {
	RecordFetchResult(kind model.ResultKind, attempts int)
	RecordRetry(kind model.ResultKind)
	RecordFetchLatency(duration time.Duration)
	RecordSelectorDrift(field string)
	RecordBatch(run *model.BatchRun)
	RecordScheduledRun(entry string, ok bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchResults  *prometheus.CounterVec
	fetchAttempts prometheus.Histogram
	retries       *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	selectorDrift *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	lastBatchTime prometheus.Gauge
	scheduledRuns *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_fetch_results_total",
			Help: "結果種別ごとのハッシュタグフェッチ数",
		}, []string{"kind"}),
		fetchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagscout_fetch_attempts",
			Help:    "1対象あたりの試行回数",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_fetch_retries_total",
			Help: "リトライの合計数（リトライ理由別）",
		}, []string{"kind"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagscout_fetch_latency_seconds",
			Help:    "1回のページ取得・抽出のレイテンシ（秒）",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60},
		}),
		selectorDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_selector_drift_total",
			Help: "フィールド別のセレクタ不一致数",
		}, []string{"field"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_batches_total",
			Help: "完了したバッチ数（中断理由別）",
		}, []string{"halt_reason"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagscout_batch_duration_seconds",
			Help:    "バッチの実行時間（秒）",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		lastBatchTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagscout_last_batch_finished_timestamp_seconds",
			Help: "最後にバッチが完了した時刻（UNIX秒）",
		}),
		scheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_scheduled_runs_total",
			Help: "スケジュール実行数（ジョブ・結果別）",
		}, []string{"entry", "status"}),
	}

	reg.MustRegister(
		c.fetchResults,
		c.fetchAttempts,
		c.retries,
		c.fetchLatency,
		c.selectorDrift,
		c.batches,
		c.batchDuration,
		c.lastBatchTime,
		c.scheduledRuns,
	)

	return c
}

// RecordFetchResult はフェッチ結果と試行回数を記録する。
func (c *Collector) RecordFetchResult(kind model.ResultKind, attempts int) {
	c.fetchResults.WithLabelValues(string(kind)).Inc()
	if attempts > 0 {
		c.fetchAttempts.Observe(float64(attempts))
	}
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry(kind model.ResultKind) {
	c.retries.WithLabelValues(string(kind)).Inc()
}

// RecordFetchLatency は1回の試行のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordSelectorDrift はセレクタ不一致をフィールド別に記録する。
func (c *Collector) RecordSelectorDrift(field string) {
	c.selectorDrift.WithLabelValues(field).Inc()
}

// RecordBatch は確定したバッチを記録する。
func (c *Collector) RecordBatch(run *model.BatchRun) {
	reason := run.HaltReason
	if reason == "" {
		reason = "none"
	}
	c.batches.WithLabelValues(reason).Inc()
	c.batchDuration.Observe(run.Duration().Seconds())
	c.lastBatchTime.Set(float64(run.FinishedAt.Unix()))
}

// RecordScheduledRun はスケジュール実行の結果を記録する。
func (c *Collector) RecordScheduledRun(entry string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.scheduledRuns.WithLabelValues(entry, status).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordFetchResult(model.ResultKind, int) {}
func (Nop) RecordRetry(model.ResultKind)            {}
func (Nop) RecordFetchLatency(time.Duration)        {}
func (Nop) RecordSelectorDrift(string)              {}
func (Nop) RecordBatch(*model.BatchRun)             {}
func (Nop) RecordScheduledRun(string, bool)         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
