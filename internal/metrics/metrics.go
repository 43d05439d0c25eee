// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry はGoランタイムとプロセスのメトリクスを登録済みのレジストリを返す。
// グローバルのDefaultRegistererは使わない。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsCollector はメトリクス収集のインターフェース。
// 上流クライアント、実績サービス、ワーカーから利用する。
type MetricsCollector interface {
	RecordUpstreamCall(endpoint string, statusCode int, duration time.Duration)
	RecordUpstreamFailure(endpoint string)
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheWriteFailure()
	RecordRefreshState(state string)
	RecordFallbackServed(view string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamCalls   *prometheus.CounterVec
	upstreamFail    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheWriteFail  prometheus.Counter
	refreshStates   *prometheus.CounterVec
	fallbacksServed *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "achievedex_upstream_calls_total",
			Help: "上流APIの呼び出し数（エンドポイント・ステータスコード別）",
		}, []string{"endpoint", "status_code"}),
		upstreamFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "achievedex_upstream_failures_total",
			Help: "上流APIの通信失敗数",
		}, []string{"endpoint"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "achievedex_upstream_latency_seconds",
			Help:    "上流API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "achievedex_cache_hits_total",
			Help: "実績キャッシュのヒット数",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "achievedex_cache_misses_total",
			Help: "実績キャッシュのミス数（期限切れ・強制更新を含む）",
		}),
		cacheWriteFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "achievedex_cache_write_failures_total",
			Help: "実績キャッシュの書き込み失敗数",
		}),
		refreshStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "achievedex_refresh_state_total",
			Help: "実績更新の結果状態別の件数",
		}, []string{"state"}),
		fallbacksServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "achievedex_fallback_served_total",
			Help: "フォールバックデータを返した回数",
		}, []string{"view"}),
	}

	reg.MustRegister(
		c.upstreamCalls,
		c.upstreamFail,
		c.upstreamLatency,
		c.cacheHits,
		c.cacheMisses,
		c.cacheWriteFail,
		c.refreshStates,
		c.fallbacksServed,
	)

	return c
}

// RecordUpstreamCall は上流APIの応答を記録する。
func (c *Collector) RecordUpstreamCall(endpoint string, statusCode int, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordUpstreamFailure は上流APIへの通信失敗を記録する。
func (c *Collector) RecordUpstreamFailure(endpoint string) {
	c.upstreamFail.WithLabelValues(endpoint).Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordCacheWriteFailure はキャッシュ書き込み失敗を記録する。
func (c *Collector) RecordCacheWriteFailure() {
	c.cacheWriteFail.Inc()
}

// RecordRefreshState は更新結果の状態を記録する。
func (c *Collector) RecordRefreshState(state string) {
	c.refreshStates.WithLabelValues(state).Inc()
}

// RecordFallbackServed はフォールバックデータの返却を記録する。
func (c *Collector) RecordFallbackServed(view string) {
	c.fallbacksServed.WithLabelValues(view).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordUpstreamCall(string, int, time.Duration) {}
func (Nop) RecordUpstreamFailure(string)                  {}
func (Nop) RecordCacheHit()                               {}
func (Nop) RecordCacheMiss()                              {}
func (Nop) RecordCacheWriteFailure()                      {}
func (Nop) RecordRefreshState(string)                     {}
func (Nop) RecordFallbackServed(string)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のメトリクス収集に失敗しても取得できた分は返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: 4,
	})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
