// ============================================================================
// seakylib Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 multirun 與 reconcile 的運行指標，支持 Prometheus 抓取
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - mrun_tasks_submitted_total: 提交任務總數（每個 pass 都計入）
//      - mrun_tasks_succeeded_total: 成功任務總數
//      - mrun_tasks_failed_total: 失敗任務總數（JobFunc 回傳 false 或 panic）
//      - mrun_tasks_missing_total: 未回報任務總數（逾時或 worker 崩潰）
//      - mrun_passes_total{kind}: 執行的 pass 數（initial / retry）
//
//   2. 性能指標 (Histogram)：
//      - mrun_task_duration_seconds: 單一任務耗時分佈
//
//   3. 對帳指標 (CounterVec)：
//      - reconcile_rows_total{action}: insert / update / delete / mark / unchanged / skip
//
// 所有方法在 nil 接收者上都是 no-op，呼叫端不必判斷是否啟用 metrics。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	tasksSubmitted prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksMissing   prometheus.Counter

	taskDuration prometheus.Histogram
	passes       *prometheus.CounterVec

	reconcileRows *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用 DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrun_tasks_submitted_total",
			Help: "Total number of tasks submitted to a pass",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrun_tasks_succeeded_total",
			Help: "Total number of tasks whose job reported success",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrun_tasks_failed_total",
			Help: "Total number of tasks whose job reported failure or panicked",
		}),
		tasksMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrun_tasks_missing_total",
			Help: "Total number of tasks that never reported an outcome",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrun_task_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrun_passes_total",
			Help: "Number of worker pool passes by kind",
		}, []string{"kind"}),
		reconcileRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_rows_total",
			Help: "Rows handled by reconciliation, by action",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksSucceeded,
		c.tasksFailed,
		c.tasksMissing,
		c.taskDuration,
		c.passes,
		c.reconcileRows,
	)

	return c
}

// RecordSubmitted 記錄一個 pass 提交的任務數
func (c *Collector) RecordSubmitted(n int) {
	if c == nil {
		return
	}
	c.tasksSubmitted.Add(float64(n))
}

// RecordOutcome 記錄單一任務結果
func (c *Collector) RecordOutcome(success, missing bool, seconds float64) {
	if c == nil {
		return
	}
	switch {
	case missing:
		c.tasksMissing.Inc()
		return
	case success:
		c.tasksSucceeded.Inc()
	default:
		c.tasksFailed.Inc()
	}
	c.taskDuration.Observe(seconds)
}

// RecordPass 記錄一次 pass，kind 為 "initial" 或 "retry"
func (c *Collector) RecordPass(kind string) {
	if c == nil {
		return
	}
	c.passes.WithLabelValues(kind).Inc()
}

// RecordReconcile 記錄對帳動作影響的列數
func (c *Collector) RecordReconcile(action string, rows int) {
	if c == nil || rows == 0 {
		return
	}
	c.reconcileRows.WithLabelValues(action).Add(float64(rows))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
