// ============================================================================
// seakylib 控制器 - 多輪批次任務執行
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 以有上限的 Worker Pool 執行一批參數，偵測遺失結果並重試失敗任務
//
// 架構設計:
//   Controller 協調以下組件：
//   - WorkerPool: 每一輪（pass）建立一個新的 Pool，實際執行 JobFunc
//   - Ledger: 主結果列表，挑選重試對象、以 identity 合併重試結果
//   - Snapshot: 結果檔，支援「載入上次結果」與「只重試上次失敗」
//   - RunContext: logger、diagnostics、metrics、tracer
//
// 執行流程:
//   1. resume()  - 依 Resume 模式載入結果檔（可選）
//   2. runPass() - 首輪：所有任務
//   3. 重試迴圈  - 每輪只送出上一輪失敗且通過 filter 的任務
//   4. 統計      - 計算 RunStatistics，輸出 miss 報告與摘要
//
// 單輪流程 (runPass):
//   1. 每個任務產生 uuid identity，合併 common args 後提交
//   2. 啟動 min(workers, 任務數) 個 Worker（或 inline 單 Worker）
//   3. 等待全部完成或 pass timeout；逾時則 Abandon
//   4. 依完成順序取出結果，編上 output_order
//   5. 沒有結果的 identity 合成 missing 結果
//   6. 依提交順序回傳
//
// 錯誤語意:
//   - 任務失敗、panic、逾時都吸收在 Outcome 裡，不會讓 Run 失敗
//   - 只有參數錯誤（ErrInvalidInput）與內部一致性錯誤會回傳 error
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sseaky/seakylib/internal/ledger"
	"github.com/sseaky/seakylib/internal/runctx"
	"github.com/sseaky/seakylib/internal/snapshot"
	"github.com/sseaky/seakylib/internal/worker"
	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrInvalidInput 任務列表或設定不合法
var ErrInvalidInput = errors.New("invalid input")

// ============================================================================
// 資料結構定義
// ============================================================================

// ResumeMode 控制是否從結果檔續跑
type ResumeMode int

const (
	// ResumeNone 一律重新執行
	ResumeNone ResumeMode = iota
	// ResumeLoad 結果檔存在時直接載入，略過首輪
	ResumeLoad
	// ResumeRetryFailed 載入結果檔並至少重試一輪失敗的任務
	ResumeRetryFailed
)

func (m ResumeMode) String() string {
	switch m {
	case ResumeLoad:
		return "load"
	case ResumeRetryFailed:
		return "retry-failed"
	default:
		return "none"
	}
}

// Config Controller 配置
type Config struct {
	Workers         int                            // Worker 數量上限
	PassTimeout     time.Duration                  // 每輪等待上限，0 表示無限等待
	Retries         int                            // 額外的重試輪數
	RetryFilter     func(types.Outcome) bool       // 回傳 true 才重試
	ArgumentMutator func(types.Outcome) types.Args // 重試前調整參數
	RetryMissing    bool                           // missing 結果也重試
	CommonArgs      types.Args                     // 合併進每個任務，同名鍵覆蓋任務參數
	Inline          bool                           // 在呼叫端 goroutine 依序執行

	MarkStartTime bool                   // 注入 start_time 參數
	Resources     worker.ResourceFactory // 每個 Worker 的專屬資源
	ShowProcess   bool                   // 輸出 Worker 流程
	ShowJobResult bool                   // 輸出每個任務的結果

	ResultFile  string     // 結果檔路徑，空字串表示不讀寫結果檔
	Save        bool       // 每輪結束後寫入結果檔
	KeepBackups int        // 覆寫結果檔前保留的舊版本數，0 表示直接覆寫
	Resume      ResumeMode // 續跑模式
}

// Controller 多輪任務執行器
type Controller struct {
	rc       *runctx.RunContext
	job      worker.JobFunc
	config   Config
	ledger   *ledger.Ledger
	snapshot *snapshot.Manager // ResultFile 為空時為 nil

	mu        sync.Mutex
	stats     RunStatistics
	abandoned []*worker.Pool // 逾時的 pass，其 Worker 可能仍在回報
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
//
// 參數：
//   - rc: 執行環境，nil 時使用 runctx.New()
//   - job: 每個任務要執行的工作函式
//   - config: Controller 配置
func New(rc *runctx.RunContext, job worker.JobFunc, config Config) *Controller {
	if rc == nil {
		rc = runctx.New()
	}
	c := &Controller{
		rc:     rc,
		job:    job,
		config: config,
		ledger: ledger.New(),
	}
	if config.ResultFile != "" {
		c.snapshot = snapshot.NewManager(config.ResultFile)
	}
	return c
}

// Run 執行所有任務並依設定重試
//
// 返回值：
//   - ok: 參數合法且流程完成時為 true（與任務成敗無關）
//   - outcomes: 依提交順序排列的結果，數量等於任務數
//   - error: ErrInvalidInput 或內部錯誤
func (c *Controller) Run(ctx context.Context, tasks []types.Args) (bool, []types.Outcome, error) {
	start := time.Now()
	log := c.rc.Logger

	if err := c.validate(); err != nil {
		return false, nil, err
	}

	c.mu.Lock()
	c.abandoned = nil
	c.mu.Unlock()

	ctx, span := c.rc.Tracer.Start(ctx, "mrun.run", trace.WithAttributes(
		attribute.Int("tasks", len(tasks)),
		attribute.Int("workers", c.config.Workers),
		attribute.Int("retries", c.config.Retries),
	))
	defer span.End()

	loaded, err := c.resume()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, nil, err
	}

	retries := c.config.Retries
	if !loaded {
		if len(tasks) == 0 {
			return false, nil, fmt.Errorf("%w: task list is empty", ErrInvalidInput)
		}
		outcomes, err := c.runPass(ctx, tasks, "initial")
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return false, nil, err
		}
		if err := c.ledger.Reset(outcomes); err != nil {
			return false, nil, err
		}
		c.save()
	} else if c.config.Resume == ResumeRetryFailed && retries < 1 {
		retries = 1
	}

	var retryDurations []time.Duration
	for round := 1; round <= retries; round++ {
		selected := c.ledger.SelectRetries(ledger.Selector{
			Filter:         c.config.RetryFilter,
			Mutator:        c.config.ArgumentMutator,
			IncludeMissing: c.config.RetryMissing,
		})
		if len(selected) == 0 {
			log.Info("There is no failed result need to be retried.")
			break
		}

		log.Info("Retry failed tasks", "count", len(selected), "round", round)
		passStart := time.Now()

		args := make([]types.Args, len(selected))
		for i, r := range selected {
			args[i] = r.Args
		}
		outcomes, err := c.runPass(ctx, args, "retry")
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return false, nil, err
		}
		if err := c.ledger.Merge(round, selected, outcomes); err != nil {
			return false, nil, err
		}

		elapsed := time.Since(passStart)
		retryDurations = append(retryDurations, elapsed)
		c.rc.Diag.Timer(fmt.Sprintf("retry%d", round), elapsed)
		c.save()
	}

	outcomes := c.ledger.Outcomes()
	c.showMiss(outcomes)

	stats := ComputeStatistics(outcomes)
	stats.Elapsed = time.Since(start)
	stats.RetryDurations = retryDurations
	stats.Workers = c.effectiveWorkers(len(outcomes))
	stats.Timeout = c.config.PassTimeout
	stats.Inline = c.config.Inline
	c.rc.Diag.Timer("mrun", stats.Elapsed)

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()

	late := c.LateResults()
	if late > 0 {
		c.rc.Diag.Warn(fmt.Sprintf("%d results arrived after pass timeout and were dropped", late))
	}

	span.SetAttributes(
		attribute.Int("succeeded", stats.Succeeded),
		attribute.Int("failed", stats.Failed),
		attribute.Int("missing", stats.Missing),
		attribute.Int("late_results", late),
	)
	log.Info(stats.Summary())

	return true, outcomes, nil
}

// Stats 回傳最近一次 Run 的統計
func (c *Controller) Stats() RunStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LateResults 回傳最近一次 Run 中，pass 逾時後才送達而被丟棄的結果數
//
// 被放棄的 Worker 在 Run 返回後仍可能回報，因此數值可能繼續增加。
func (c *Controller) LateResults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, pool := range c.abandoned {
		n += pool.LateResults()
	}
	return n
}

// Outcomes 回傳最近一次 Run 的結果
func (c *Controller) Outcomes() []types.Outcome {
	return c.ledger.Outcomes()
}

// ============================================================================
// 單輪執行
// ============================================================================

// runPass 執行一輪任務，回傳依提交順序排列的結果
func (c *Controller) runPass(ctx context.Context, tasks []types.Args, kind string) ([]types.Outcome, error) {
	log := c.rc.Logger
	workers := c.effectiveWorkers(len(tasks))

	ctx, span := c.rc.Tracer.Start(ctx, "mrun.pass", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("tasks", len(tasks)),
		attribute.Int("workers", workers),
	))
	defer span.End()

	pool := worker.NewPool(c.job, len(tasks), worker.Options{
		Resources:     c.config.Resources,
		MarkStartTime: c.config.MarkStartTime,
		ShowProcess:   c.config.ShowProcess,
		ShowJobResult: c.config.ShowJobResult,
		Logger:        log,
	})

	submitted := make([]types.Task, len(tasks))
	for i, args := range tasks {
		task := types.Task{
			InputOrder: i + 1,
			Identity:   uuid.NewString(),
			Args:       args.Merge(c.config.CommonArgs),
		}
		if err := pool.Submit(task); err != nil {
			return nil, fmt.Errorf("failed to submit task %d: %w", task.InputOrder, err)
		}
		submitted[i] = task
	}
	pool.Close()
	c.rc.Metrics.RecordSubmitted(len(submitted))
	c.rc.Metrics.RecordPass(kind)

	if c.config.Inline {
		if err := pool.RunInline(ctx); err != nil {
			return nil, fmt.Errorf("failed to run inline: %w", err)
		}
	} else {
		log.Debug("start workers", "workers", workers, "kind", kind)
		if err := pool.Start(ctx, workers); err != nil {
			return nil, fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	if pool.Wait(c.config.PassTimeout) {
		pool.Stop()
	} else {
		log.Warn("Pass timeout, abandoning unfinished workers",
			"kind", kind, "timeout", c.config.PassTimeout)
		pool.Abandon()
		c.mu.Lock()
		c.abandoned = append(c.abandoned, pool)
		c.mu.Unlock()
	}

	outcomes := c.collect(pool, submitted)
	span.SetAttributes(
		attribute.Int("reported", len(outcomes)-countMissing(outcomes)),
		attribute.Int("late_results", pool.LateResults()),
	)
	return outcomes, nil
}

// collect 把已回報的結果與合成的 missing 結果組成依提交順序的列表
func (c *Controller) collect(pool *worker.Pool, submitted []types.Task) []types.Outcome {
	results := pool.Drain()
	now := time.Now()

	reported := make(map[string]types.Outcome, len(results))
	for i, r := range results {
		o := types.Outcome{
			InputOrder:  r.InputOrder,
			OutputOrder: i + 1,
			Identity:    r.Identity,
			Args:        r.Args,
			Success:     r.Success,
			Result:      r.Value,
			Elapsed:     roundSeconds(r.Duration),
			Worker:      r.WorkerID,
		}
		reported[r.Identity] = o
		c.rc.Metrics.RecordOutcome(o.Success, false, r.Duration.Seconds())
	}

	// missing 結果排在所有已回報結果之後，確保 output_order 不重複
	next := len(results)
	outcomes := make([]types.Outcome, 0, len(submitted))
	for _, task := range submitted {
		if o, ok := reported[task.Identity]; ok {
			outcomes = append(outcomes, o)
			continue
		}

		elapsed, observed := types.MissingElapsed, 0.0
		if startedAt, ok := pool.StartTime(task.Identity); ok {
			elapsed = roundSeconds(now.Sub(startedAt))
			observed = elapsed
		}
		next++
		outcomes = append(outcomes, types.Outcome{
			InputOrder:  task.InputOrder,
			OutputOrder: next,
			Identity:    task.Identity,
			Args:        task.Args,
			Success:     false,
			Result:      types.MissingResult,
			Elapsed:     elapsed,
			Missing:     true,
		})
		c.rc.Metrics.RecordOutcome(false, true, observed)
	}
	return outcomes
}

// ============================================================================
// 輔助方法
// ============================================================================

func (c *Controller) validate() error {
	switch {
	case c.job == nil:
		return fmt.Errorf("%w: job function is nil", ErrInvalidInput)
	case c.config.Retries < 0:
		return fmt.Errorf("%w: retries must not be negative, got %d", ErrInvalidInput, c.config.Retries)
	case c.config.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidInput, c.config.Workers)
	case c.config.KeepBackups < 0:
		return fmt.Errorf("%w: keep backups must not be negative, got %d", ErrInvalidInput, c.config.KeepBackups)
	case c.config.Resume != ResumeNone && c.snapshot == nil:
		return fmt.Errorf("%w: resume mode %s needs a result file", ErrInvalidInput, c.config.Resume)
	}
	return nil
}

// effectiveWorkers 回傳 min(Workers, n)，至少為 1
func (c *Controller) effectiveWorkers(n int) int {
	if c.config.Inline {
		return 1
	}
	workers := c.config.Workers
	if workers < 1 {
		workers = 1
	}
	if n > 0 && workers > n {
		workers = n
	}
	return workers
}

// resume 依 Resume 模式載入結果檔；回傳是否已載入
func (c *Controller) resume() (bool, error) {
	if c.config.Resume == ResumeNone || c.snapshot == nil {
		return false, nil
	}

	if !c.snapshot.Exists() {
		c.rc.Logger.Info("No result file to resume from, running all tasks", "path", c.snapshot.GetPath())
		return false, nil
	}
	data, err := c.snapshot.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load result file: %w", err)
	}

	if err := c.ledger.Restore(data); err != nil {
		return false, fmt.Errorf("failed to restore results: %w", err)
	}
	c.rc.Logger.Info("Load results", "path", c.snapshot.GetPath(), "outcomes", len(data.Outcomes), "mode", c.config.Resume)
	return true, nil
}

// save 把目前的主結果列表寫入結果檔；失敗只記錄，不影響執行
func (c *Controller) save() {
	if !c.config.Save || c.snapshot == nil {
		return
	}
	var err error
	if c.config.KeepBackups > 0 {
		err = c.snapshot.WriteWithBackup(c.ledger.Snapshot(), c.config.KeepBackups)
	} else {
		err = c.snapshot.Write(c.ledger.Snapshot())
	}
	if err != nil {
		c.rc.Logger.Error("Failed to save result file", "path", c.snapshot.GetPath(), "error", err)
		c.rc.Diag.Warn(fmt.Sprintf("save result file: %v", err))
	}
}

// showMiss 以 error 等級列出每個 missing 結果
func (c *Controller) showMiss(outcomes []types.Outcome) {
	for _, o := range outcomes {
		if o.Missing {
			c.rc.Logger.Error("miss result", "order_in", o.InputOrder, "kw", o.Args)
			c.rc.Diag.Error(fmt.Sprintf("miss result. %v", o.Args))
		}
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

func countMissing(outcomes []types.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Missing {
			n++
		}
	}
	return n
}
