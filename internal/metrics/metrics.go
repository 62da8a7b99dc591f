// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// コントローラ、リコンサイラ、プレゼンスハートビートから利用する。
type MetricsCollector interface {
	RecordLifecycleEvent(kind string)
	RecordDedupSuppressed(kind string)
	RecordSessionCheckLatency(duration time.Duration)
	RecordHeartbeat(success bool)
	RecordProfileSync(success bool)
	RecordReconcileOutcome(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	lifecycleEvents  *prometheus.CounterVec
	dedupSuppressed  *prometheus.CounterVec
	sessionCheck     prometheus.Histogram
	heartbeatOK      prometheus.Counter
	heartbeatFail    prometheus.Counter
	profileSyncOK    prometheus.Counter
	profileSyncFail  prometheus.Counter
	reconcileOutcome *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_lifecycle_events_total",
			Help: "処理されたライフサイクルイベントの合計数（種別別）",
		}, []string{"kind"}),
		dedupSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_dedup_suppressed_total",
			Help: "重複排除により抑制されたイベントの合計数（種別別）",
		}, []string{"kind"}),
		sessionCheck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiond_session_check_seconds",
			Help:    "起動時セッションチェックのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		heartbeatOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_heartbeat_success_total",
			Help: "プレゼンスハートビート書き込み成功の合計数",
		}),
		heartbeatFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_heartbeat_fail_total",
			Help: "プレゼンスハートビート書き込み失敗の合計数",
		}),
		profileSyncOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_profile_sync_success_total",
			Help: "プロファイル同期成功の合計数",
		}),
		profileSyncFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_profile_sync_fail_total",
			Help: "プロファイル同期失敗の合計数",
		}),
		reconcileOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_oauth_reconcile_total",
			Help: "OAuthコールバック調停の結果数（done/error/cancelled別）",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.lifecycleEvents,
		c.dedupSuppressed,
		c.sessionCheck,
		c.heartbeatOK,
		c.heartbeatFail,
		c.profileSyncOK,
		c.profileSyncFail,
		c.reconcileOutcome,
	)

	return c
}

// RecordLifecycleEvent は処理されたライフサイクルイベントを記録する。
func (c *Collector) RecordLifecycleEvent(kind string) {
	c.lifecycleEvents.WithLabelValues(kind).Inc()
}

// RecordDedupSuppressed は重複排除による抑制を記録する。
func (c *Collector) RecordDedupSuppressed(kind string) {
	c.dedupSuppressed.WithLabelValues(kind).Inc()
}

// RecordSessionCheckLatency は起動時セッションチェックのレイテンシを記録する。
func (c *Collector) RecordSessionCheckLatency(duration time.Duration) {
	c.sessionCheck.Observe(duration.Seconds())
}

// RecordHeartbeat はハートビート書き込みの結果を記録する。
func (c *Collector) RecordHeartbeat(success bool) {
	if success {
		c.heartbeatOK.Inc()
	} else {
		c.heartbeatFail.Inc()
	}
}

// RecordProfileSync はプロファイル同期の結果を記録する。
func (c *Collector) RecordProfileSync(success bool) {
	if success {
		c.profileSyncOK.Inc()
	} else {
		c.profileSyncFail.Inc()
	}
}

// RecordReconcileOutcome はOAuthコールバック調停の結果を記録する。
func (c *Collector) RecordReconcileOutcome(outcome string) {
	c.reconcileOutcome.WithLabelValues(outcome).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
