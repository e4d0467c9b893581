// Package types 定義了 multirun 與 reconcile 共用的核心領域模型
package types

import "maps"

// Args 任務的關鍵字參數（keyword name → value）
type Args map[string]any

// Clone 回傳淺拷貝，避免不同 pass 之間共用同一個 map
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	return maps.Clone(a)
}

// Merge 將 other 合併進拷貝中；other 的同名鍵會覆蓋原值
func (a Args) Merge(other Args) Args {
	out := a.Clone()
	maps.Copy(out, other)
	return out
}

// Task 一次排程的工作單元
type Task struct {
	InputOrder int    `json:"input_order"` // 提交順序（從 1 開始）
	Identity   string `json:"identity"`    // 單一 pass 內唯一的識別碼
	Args       Args   `json:"args"`        // 已合併 common args 的參數
}

// MissingResult 是 worker 從未回報時合成結果的預設訊息
const MissingResult = "result does not exist."

// MissingElapsed 是無法得知開始時間時使用的耗時哨兵值（秒）
const MissingElapsed = 9999.0

// Outcome 一個 Task 的執行結果
type Outcome struct {
	InputOrder  int     `json:"order_in"`            // 提交順序
	OutputOrder int     `json:"order_out,omitempty"` // 完成順序（僅供診斷）
	Identity    string  `json:"identity"`            // 對應 Task.Identity
	Args        Args    `json:"kw"`                  // 執行時使用的參數
	Success     bool    `json:"is_ok"`               // 執行是否成功
	Result      any     `json:"result"`              // 任務回傳值或錯誤訊息
	Elapsed     float64 `json:"timer"`               // 耗時（秒，兩位小數）
	RetryCount  int     `json:"retry,omitempty"`     // 產生此結果的重試輪次
	Missing     bool    `json:"miss,omitempty"`      // worker 未回報（逾時或崩潰）
	Worker      int     `json:"worker,omitempty"`    // 執行此任務的 worker 編號
}

// Failed 回報結果是否為一般失敗（不含 missing）
func (o Outcome) Failed() bool {
	return !o.Success && !o.Missing
}

// ResultFile 結果檔案格式，用於「載入上次結果」模式
type ResultFile struct {
	SchemaVer int       `json:"schema_ver"` // 資料結構版本號
	SavedAt   int64     `json:"saved_at"`   // Unix 毫秒
	Outcomes  []Outcome `json:"outcomes"`   // 完整結果列表（依提交順序）
}
