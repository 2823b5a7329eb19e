// ============================================================================
// block-farming Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露區塊生命週期的運行指標
//
// 指標分類:
//   1. 計數器 (Counter)：
//      - farming_blocks_scheduled_total{kind}     排程器成功保留並發布的區塊
//      - farming_lost_races_total{operation}      條件式更新落敗（其他參與者先完成）
//      - farming_publish_failures_total{kind}     發布失敗，等待逾時 sweep 回收
//      - farming_activities_finalized_total{kind} worker 完成並寫入日誌的活動
//      - farming_blocks_missing_total{kind}       worker 找不到要完成的區塊
//      - farming_sweep_blocks_total{sweep}        sweep 成功處理的區塊
//      - farming_impossible_states_total          逾時 sweep 遇到非排程狀態的區塊
//
//   2. 分佈 (Histogram)：
//      - farming_activity_duration_seconds{kind}  模擬活動耗時
//      - farming_sweep_duration_seconds{sweep}    單次 sweep 耗時
//
//   3. 瞬時值 (Gauge)：
//      - farming_queue_depth{kind}                佇列中尚未處理的項目
//      - farming_recovery_time_seconds            啟動時還原快照耗時
//
// Prometheus 查詢示例:
//   # 每分鐘完成的收成數
//   rate(farming_activities_finalized_total{kind="harvest"}[1m])
//   # 發布失敗率
//   rate(farming_publish_failures_total[5m]) / rate(farming_blocks_scheduled_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// Sweep 名稱
const (
	SweepMaturity = "maturity"
	SweepStuck    = "stuck"
)

// Recorder 核心元件使用的指標介面
type Recorder interface {
	BlockScheduled(kind types.ActivityKind)
	LostRace(operation string)
	PublishFailed(kind types.ActivityKind)
	ActivityFinalized(kind types.ActivityKind, elapsed time.Duration)
	BlockMissing(kind types.ActivityKind)
	SweepCompleted(sweep string, processed int, elapsed time.Duration)
	ImpossibleState()
}

// Nop 不記錄任何指標
type Nop struct{}

func (Nop) BlockScheduled(types.ActivityKind)                   {}
func (Nop) LostRace(string)                                     {}
func (Nop) PublishFailed(types.ActivityKind)                    {}
func (Nop) ActivityFinalized(types.ActivityKind, time.Duration) {}
func (Nop) BlockMissing(types.ActivityKind)                     {}
func (Nop) SweepCompleted(string, int, time.Duration)           {}
func (Nop) ImpossibleState()                                    {}

// Collector Prometheus 指標收集器
type Collector struct {
	// 計數器
	scheduled       *prometheus.CounterVec
	lostRaces       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	finalized       *prometheus.CounterVec
	missing         *prometheus.CounterVec
	sweepBlocks     *prometheus.CounterVec
	impossible      prometheus.Counter

	// 分佈
	activityDuration *prometheus.HistogramVec
	sweepDuration    *prometheus.HistogramVec

	// 瞬時值
	queueDepth   *prometheus.GaugeVec
	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

var _ Recorder = (*Collector)(nil)

// NewCollector 建立並註冊指標；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_blocks_scheduled_total",
			Help: "Blocks reserved and published by the scheduler",
		}, []string{"kind"}),
		lostRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_lost_races_total",
			Help: "Conditional updates that affected no block",
		}, []string{"operation"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_publish_failures_total",
			Help: "Work items that could not be published",
		}, []string{"kind"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_activities_finalized_total",
			Help: "Activities finalized by workers",
		}, []string{"kind"}),
		missing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_blocks_missing_total",
			Help: "Work items whose block no longer exists",
		}, []string{"kind"}),
		sweepBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farming_sweep_blocks_total",
			Help: "Blocks processed by reconciliation sweeps",
		}, []string{"sweep"}),
		impossible: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farming_impossible_states_total",
			Help: "Blocks found outside a scheduled status by the stuck sweep",
		}),
		activityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farming_activity_duration_seconds",
			Help:    "Simulated activity duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farming_sweep_duration_seconds",
			Help:    "Wall time of a single sweep in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "farming_queue_depth",
			Help: "Work items waiting in the queue",
		}, []string{"kind"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farming_recovery_time_seconds",
			Help: "Time taken to restore state at startup in seconds",
		}),
	}

	reg.MustRegister(
		c.scheduled, c.lostRaces, c.publishFailures, c.finalized, c.missing,
		c.sweepBlocks, c.impossible, c.activityDuration, c.sweepDuration,
		c.queueDepth, c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

func (c *Collector) BlockScheduled(kind types.ActivityKind) {
	c.scheduled.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) LostRace(operation string) {
	c.lostRaces.WithLabelValues(operation).Inc()
}

func (c *Collector) PublishFailed(kind types.ActivityKind) {
	c.publishFailures.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) ActivityFinalized(kind types.ActivityKind, elapsed time.Duration) {
	c.finalized.WithLabelValues(kind.String()).Inc()
	c.activityDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (c *Collector) BlockMissing(kind types.ActivityKind) {
	c.missing.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) SweepCompleted(sweep string, processed int, elapsed time.Duration) {
	c.sweepBlocks.WithLabelValues(sweep).Add(float64(processed))
	c.sweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
}

func (c *Collector) ImpossibleState() {
	c.impossible.Inc()
}

// SetQueueDepth 更新佇列積壓
func (c *Collector) SetQueueDepth(kind types.ActivityKind, depth int) {
	c.queueDepth.WithLabelValues(kind.String()).Set(float64(depth))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
