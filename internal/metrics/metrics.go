// ============================================================================
// AIGC Gateway Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 gateway 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - aigc_jobs_submitted_total{kind}: 被受理的提交
//      - aigc_jobs_rejected_total{reason}: 被拒絕的提交（busy、conflict、rate_limited…）
//      - aigc_jobs_resolved_total{kind,state}: 進入終態的 Future
//      - aigc_replies_dropped_total: 找不到對應 Future 的回覆
//      - aigc_interrupts_total: 使用者停止
//
//   2. 延遲分佈 (Histogram)：
//      - aigc_job_latency_seconds{kind}: 提交到解決的時間
//
//   3. 狀態 (Gauge)：
//      - aigc_futures{state}: 各狀態 Future 數量
//      - aigc_channels_open / aigc_channels_busy
//      - aigc_units_connected
//
// Prometheus 查詢示例:
//
//   # 每種操作的 95 分位延遲
//   histogram_quantile(0.95, sum by (kind, le) (rate(aigc_job_latency_seconds_bucket[5m])))
//
//   # 逾時比例
//   rate(aigc_jobs_resolved_total{state="failed"}[5m]) / rate(aigc_jobs_submitted_total[5m])
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsRejected   *prometheus.CounterVec
	jobsResolved   *prometheus.CounterVec
	repliesDropped prometheus.Counter
	interrupts     prometheus.Counter

	jobLatency *prometheus.HistogramVec

	futures        *prometheus.GaugeVec
	channelsOpen   prometheus.Gauge
	channelsBusy   prometheus.Gauge
	unitsConnected prometheus.Gauge
	recoveryTime   prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigc_jobs_submitted_total",
			Help: "Total number of admitted job submissions",
		}, []string{"kind"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigc_jobs_rejected_total",
			Help: "Total number of rejected job submissions by reason",
		}, []string{"reason"}),
		jobsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigc_jobs_resolved_total",
			Help: "Total number of futures that reached a terminal state",
		}, []string{"kind", "state"}),
		repliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigc_replies_dropped_total",
			Help: "Replies that matched no unresolved future",
		}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigc_interrupts_total",
			Help: "Jobs stopped by clients",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigc_job_latency_seconds",
			Help:    "Time from submission to resolution in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		futures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aigc_futures",
			Help: "Futures held in the store by state",
		}, []string{"state"}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigc_channels_open",
			Help: "Live conversation channels",
		}),
		channelsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigc_channels_busy",
			Help: "Channels currently holding a job",
		}),
		unitsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigc_units_connected",
			Help: "AI units currently routable",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigc_recovery_time_seconds",
			Help: "Time taken to restore the last snapshot in seconds",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsRejected, c.jobsResolved, c.repliesDropped, c.interrupts,
		c.jobLatency, c.futures, c.channelsOpen, c.channelsBusy, c.unitsConnected, c.recoveryTime,
	)
	return c
}

// RecordSubmitted 記錄受理的提交
func (c *Collector) RecordSubmitted(kind string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(kind).Inc()
}

// RecordRejected 記錄被拒絕的提交
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordResolved 記錄 Future 解決與延遲
func (c *Collector) RecordResolved(kind, state string, latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsResolved.WithLabelValues(kind, state).Inc()
	c.jobLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordDroppedReply 記錄被丟棄的回覆
func (c *Collector) RecordDroppedReply() {
	if c == nil {
		return
	}
	c.repliesDropped.Inc()
}

// RecordInterrupt 記錄使用者停止
func (c *Collector) RecordInterrupt() {
	if c == nil {
		return
	}
	c.interrupts.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateFutureStats 以 futures.Store.Stats() 的結果更新 Gauge
func (c *Collector) UpdateFutureStats(stats map[string]int) {
	if c == nil {
		return
	}
	for state, n := range stats {
		if state == "total" {
			continue
		}
		c.futures.WithLabelValues(state).Set(float64(n))
	}
}

// UpdateChannelStats 更新頻道數量
func (c *Collector) UpdateChannelStats(open, busy int) {
	if c == nil {
		return
	}
	c.channelsOpen.Set(float64(open))
	c.channelsBusy.Set(float64(busy))
}

// UpdateUnits 更新已連線單元數量
func (c *Collector) UpdateUnits(n int) {
	if c == nil {
		return
	}
	c.unitsConnected.Set(float64(n))
}
