// ============================================================================
// seakylib Worker Pool - 單一 pass 的並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一個 pass 內 Worker goroutine 的生命週期、任務分發與結果收集
//
// 設計模式:
//   每個 pass 建立一個新的 Pool：
//   1. Submit() 把所有任務放入帶緩衝的 taskCh，Close() 表示不再有新任務
//   2. Start(n) 啟動 n 個 Worker，取完任務即退出（等同 get_nowait + queue.Empty）
//   3. Worker 把結果推入 resultCh（緩衝大小 = 任務數，回報永不阻塞）
//   4. Wait(timeout) 等待所有 Worker 結束或逾時
//   5. Drain() 依完成順序取出所有已回報的結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//      Drain()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 逾時處理:
//   Wait() 逾時後 Abandon() 取消 pass context：
//   - Worker 不再領取新任務
//   - 仍在執行的 JobFunc 若尊重 ctx 會提前返回
//   - 逾時之後才回報的結果一律丟棄
//   goroutine 無法像行程一樣被強制終止，因此「終止」的語意是停止等待並忽略結果。
//
// 共享狀態:
//   - taskCh / resultCh: channel，天生並發安全
//   - starts: mutex 保護的 identity → 開始時間 map，用於合成 missing 結果的耗時
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示任務佇列已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動，不能再次啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrQueueFull 表示提交的任務數超過建立時指定的容量
	ErrQueueFull = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 控制 Pool 內 Worker 的行為
type Options struct {
	Resources     ResourceFactory // 每個 worker 的專屬資源
	MarkStartTime bool            // 注入 start_time 參數
	ShowProcess   bool            // 以 Debug 等級輸出 worker 流程
	ShowJobResult bool            // 輸出每個任務的結果
	Logger        *slog.Logger    // nil 時使用 slog.Default()
}

// Pool 代表單一 pass 的 Worker 池
type Pool struct {
	job  JobFunc
	opts Options
	log  *slog.Logger

	workers  []*Worker
	taskCh   chan types.Task
	resultCh chan Result
	starts   *startTimes

	wg        sync.WaitGroup
	done      chan struct{} // 所有 Worker 結束後關閉
	cancel    context.CancelFunc
	abandoned chan struct{} // Abandon() 後關閉，之後的結果全部丟棄

	mu           sync.Mutex
	started      bool
	closed       bool
	abandonOnce  sync.Once
	submitted    int
	reportedLate int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - job: 每個任務要執行的工作函式
//   - capacity: 本 pass 的任務數，同時作為兩個 channel 的緩衝大小
//   - opts: Worker 行為選項
func NewPool(job JobFunc, capacity int, opts Options) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		job:       job,
		opts:      opts,
		log:       logger,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan types.Task, capacity),
		resultCh:  make(chan Result, capacity),
		starts:    newStartTimes(),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// Submit 提交任務到佇列（Start 前後皆可）
func (p *Pool) Submit(task types.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		p.submitted++
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 關閉任務佇列；Worker 取完剩餘任務後退出
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.taskCh)
}

// Start 啟動指定數量的 Worker
// Worker 數量不會超過已提交的任務數（至少 1 個）
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	if p.submitted > 0 && workerCount > p.submitted {
		workerCount = p.submitted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 1; i <= workerCount; i++ {
		worker := newWorker(i, p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.started = true
	return nil
}

// RunInline 在呼叫端 goroutine 以單一 Worker 依序執行所有已提交的任務
// 佇列會先被關閉；返回時所有任務都已執行完畢（或 ctx 已取消）
func (p *Pool) RunInline(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrPoolStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	worker := newWorker(1, p)
	p.workers = append(p.workers, worker)
	p.started = true
	p.mu.Unlock()

	p.Close()
	worker.Run(ctx)
	close(p.done)
	return nil
}

// Wait 等待所有 Worker 結束
// timeout <= 0 表示無限等待；回傳 false 表示逾時
func (p *Pool) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-p.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Abandon 取消 pass context，並丟棄之後才回報的結果
func (p *Pool) Abandon() {
	p.abandonOnce.Do(func() {
		close(p.abandoned)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Stop 關閉佇列並等待所有 Worker 完成
func (p *Pool) Stop() {
	p.Close()
	if p.IsStarted() {
		<-p.done
		p.cancel()
	}
}

// Drain 依完成順序取出目前所有已回報的結果（不阻塞）
func (p *Pool) Drain() []Result {
	var results []Result
	for {
		select {
		case r := <-p.resultCh:
			results = append(results, r)
		default:
			return results
		}
	}
}

// StartTime 回傳任務的開始時間（若已被 Worker 領取）
func (p *Pool) StartTime(identity string) (time.Time, bool) {
	return p.starts.get(identity)
}

// GetWorkerCount 返回已啟動的 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// LateResults 回傳 Abandon 之後被丟棄的結果數
func (p *Pool) LateResults() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reportedLate
}

// reportResult 由 Worker 呼叫；Abandon 之後的結果直接丟棄
func (p *Pool) reportResult(r Result) {
	select {
	case <-p.abandoned:
		p.mu.Lock()
		p.reportedLate++
		p.mu.Unlock()
		p.debug("result dropped after pass timeout", "worker", r.WorkerID, "order_in", r.InputOrder)
		return
	default:
	}
	// resultCh 的容量等於任務數，這裡不會阻塞
	p.resultCh <- r
}

func (p *Pool) debug(msg string, args ...any) {
	if p.opts.ShowProcess {
		p.log.Debug(msg, args...)
	}
}

// startTimes 是 identity → 開始時間 的並發安全 map
type startTimes struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newStartTimes() *startTimes {
	return &startTimes{m: make(map[string]time.Time)}
}

func (s *startTimes) set(identity string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[identity] = t
}

func (s *startTimes) get(identity string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[identity]
	return t, ok
}
