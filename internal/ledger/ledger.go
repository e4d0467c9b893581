// ============================================================================
// seakylib 結果總帳 - 多輪執行的結果合併
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 保存一次 run 的主結果列表，挑選重試對象並合併重試結果
//
// 設計理念:
//   1. outcomes []Outcome - 依提交順序排列的主列表，作為單一真實來源
//   2. index map - identity → 位置，合併時 O(1) 查找
//   3. lastPass - 最近一輪涉及的 identity，下一輪只從這些結果中挑選重試
//
// 結果生命週期:
//   首輪 Reset(outcomes)
//      ↓ SelectRetries()   挑出失敗（可選 missing）且通過 filter 的結果
//   重試輪
//      ↓ Merge(round, ...) 以 identity 覆寫結果，RetryCount = round
//   下一輪 / 結束
//
// output_order 規則:
//   重試輪的 output_order 會加上合併前主列表的最大值作為偏移，
//   因此整個主列表內的 output_order 永不重複。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateIdentity 同一個 identity 出現兩次
	ErrDuplicateIdentity = errors.New("outcome identity already exists")
	// ErrUnknownIdentity 合併時找不到對應的 identity
	ErrUnknownIdentity = errors.New("outcome identity not found")
	// ErrLengthMismatch 重試輪的結果數與提交數不一致
	ErrLengthMismatch = errors.New("retry outcomes do not match submitted retries")
)

// SchemaVersion 結果檔的資料結構版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Selector 控制哪些結果會被重試
type Selector struct {
	Filter         func(types.Outcome) bool       // 回傳 true 才重試；nil 表示全部失敗都重試
	Mutator        func(types.Outcome) types.Args // 重試前調整參數；nil 表示沿用原參數
	IncludeMissing bool                           // missing 結果是否也重試
}

// Retry 一個待重試的結果
type Retry struct {
	Identity string     // 主列表中的 identity
	Args     types.Args // 重試時使用的參數
}

// Ledger 主結果列表
type Ledger struct {
	mu       sync.RWMutex
	outcomes []types.Outcome // 依提交順序
	index    map[string]int  // identity → outcomes 位置
	lastPass []string        // 最近一輪涉及的 identity（依提交順序）
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立空的總帳
func New() *Ledger {
	return &Ledger{
		outcomes: make([]types.Outcome, 0),
		index:    make(map[string]int),
	}
}

// Reset 以首輪結果（依提交順序）重建總帳
//
// 參數說明：
//   - outcomes: 首輪或載入的結果列表
//
// 返回值：
//   - error: identity 重複時回傳 ErrDuplicateIdentity
//
// 併發安全：使用互斥鎖保護
func (l *Ledger) Reset(outcomes []types.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := make(map[string]int, len(outcomes))
	pass := make([]string, 0, len(outcomes))
	for i, o := range outcomes {
		if _, exists := index[o.Identity]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, o.Identity)
		}
		index[o.Identity] = i
		pass = append(pass, o.Identity)
	}

	l.outcomes = append(make([]types.Outcome, 0, len(outcomes)), outcomes...)
	l.index = index
	l.lastPass = pass
	return nil
}

// SelectRetries 從最近一輪的結果中挑出需要重試的項目
//
// 規則：
//   - 成功的結果永不重試
//   - missing 結果只有在 IncludeMissing 時重試
//   - Filter 回傳 false 的結果跳過
//   - Mutator 回傳的新參數同時寫回主列表（與重試輸入保持一致）
//
// 返回值：
//   - []Retry: 依提交順序排列的重試項目
//
// 併發安全：使用互斥鎖保護
func (l *Ledger) SelectRetries(sel Selector) []Retry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var retries []Retry
	for _, id := range l.lastPass {
		o := l.outcomes[l.index[id]]
		if o.Success {
			continue
		}
		if o.Missing && !sel.IncludeMissing {
			continue
		}
		if sel.Filter != nil && !sel.Filter(o) {
			continue
		}

		args := o.Args.Clone()
		if sel.Mutator != nil {
			if changed := sel.Mutator(o); changed != nil {
				args = changed.Clone()
			}
			l.outcomes[l.index[id]].Args = args
		}
		retries = append(retries, Retry{Identity: id, Args: args})
	}
	return retries
}

// Merge 合併一輪重試的結果
//
// 參數說明：
//   - round: 重試輪次（從 1 開始），寫入 RetryCount
//   - retries: SelectRetries 的結果
//   - passOutcomes: 該輪結果，與 retries 一一對應（依提交順序）
//
// 返回值：
//   - error: 長度不一致或 identity 不存在
//
// 併發安全：使用互斥鎖保護
func (l *Ledger) Merge(round int, retries []Retry, passOutcomes []types.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(retries) != len(passOutcomes) {
		return fmt.Errorf("%w: %d retries, %d outcomes", ErrLengthMismatch, len(retries), len(passOutcomes))
	}

	offset := l.maxOutputOrderLocked()
	pass := make([]string, 0, len(retries))
	for i, r := range retries {
		pos, exists := l.index[r.Identity]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, r.Identity)
		}

		src := passOutcomes[i]
		dst := &l.outcomes[pos]
		dst.Args = src.Args
		dst.Success = src.Success
		dst.Result = src.Result
		dst.Elapsed = src.Elapsed
		dst.Missing = src.Missing
		dst.Worker = src.Worker
		dst.RetryCount = round
		if src.OutputOrder > 0 {
			dst.OutputOrder = src.OutputOrder + offset
		}
		pass = append(pass, r.Identity)
	}

	l.lastPass = pass
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Outcomes 回傳主列表的拷貝（依提交順序）
func (l *Ledger) Outcomes() []types.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Outcome(nil), l.outcomes...)
}

func (l *Ledger) maxOutputOrderLocked() int {
	highest := 0
	for _, o := range l.outcomes {
		highest = max(highest, o.OutputOrder)
	}
	return highest
}

// ============================================================================
// 結果檔相關方法
// ============================================================================

// Snapshot 生成結果檔資料（深拷貝參數）
func (l *Ledger) Snapshot() types.ResultFile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	outcomes := make([]types.Outcome, len(l.outcomes))
	for i, o := range l.outcomes {
		o.Args = o.Args.Clone()
		outcomes[i] = o
	}
	return types.ResultFile{
		SchemaVer: SchemaVersion,
		SavedAt:   time.Now().UnixMilli(),
		Outcomes:  outcomes,
	}
}

// Restore 從結果檔恢復主列表
// 結果檔的 identity 可能為空（手寫或舊版檔案），此時依提交順序補上
func (l *Ledger) Restore(data types.ResultFile) error {
	outcomes := make([]types.Outcome, len(data.Outcomes))
	for i, o := range data.Outcomes {
		if o.Identity == "" {
			o.Identity = fmt.Sprintf("restored-%d", i+1)
		}
		if o.InputOrder == 0 {
			o.InputOrder = i + 1
		}
		outcomes[i] = o
	}
	return l.Reset(outcomes)
}
