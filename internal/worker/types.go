package worker

import (
	"context"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// JobFunc 呼叫端提供的工作函式，回傳 (success, result)
// 預期中的失敗應回傳 (false, message)；panic 會被 worker 捕捉並轉成失敗結果
type JobFunc func(ctx context.Context, args types.Args) (bool, any)

// ResourceFactory 在每個 worker 啟動後建立專屬資源（例如資料庫連線）
// 回傳的資源會合併進每個任務的參數；cleanup 在 worker 結束時呼叫
type ResourceFactory func(ctx context.Context, workerID int) (resources types.Args, cleanup func(), err error)

// StartTimeKey 是 MarkStartTime 啟用時注入的參數名稱
const StartTimeKey = "start_time"

// Result 代表任務執行結果
type Result struct {
	Identity   string        // 對應 Task.Identity
	InputOrder int           // 提交順序
	Args       types.Args    // 任務參數（不含 worker 注入的資源）
	Success    bool          // 執行是否成功
	Value      any           // 任務回傳值或錯誤訊息
	Duration   time.Duration // 實際執行時間
	WorkerID   int           // 執行此任務的 worker
}
