// ============================================================================
// seakylib Reconcile - 批次寫入
// ============================================================================
//
// Package: internal/reconcile
// 文件: apply.go
// 功能: 把 DiffPlan 轉成批次操作交給 Gateway 執行
//
// 批次策略:
//   - insert: 每 BatchSize 列一個 InsertBatch
//   - update: 每 BatchSize 列一個 UpdateBatch（一個 CASE/WHEN 語句涵蓋所有變更欄位）
//   - missing: 忽略 / 每批一個 DeleteBatch / 每批一個 MarkBatch，三擇一
//
// 失敗語義:
//   第一個失敗的批次中止 Apply，以 ErrStorage 包裝回傳；
//   之前已完成的批次不回滾（每個批次是獨立交易）。
//
// ============================================================================

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sseaky/seakylib/internal/runctx"
)

// DefaultBatchSize 每個批次語句的最大列數
const DefaultBatchSize = 1000

// Gateway 是 Reconciler 使用的儲存層
//
// 所有方法都是同步的，失敗時回傳 error。Query 回傳的 map 以 KeyString 為鍵。
type Gateway interface {
	Columns(ctx context.Context) ([]string, error)
	Query(ctx context.Context, key string) (map[string]Row, error)
	InsertBatch(ctx context.Context, rows []Row) error
	UpdateBatch(ctx context.Context, key string, columns []string, rows []Row) error
	DeleteBatch(ctx context.Context, key string, keys []any) error
	MarkBatch(ctx context.Context, key string, keys []any, marker string) error
}

// MissingAction 決定只存在於舊資料中的列如何處理
type MissingAction int

const (
	MissingIgnore MissingAction = iota
	MissingDelete
	MissingMark
)

func (a MissingAction) String() string {
	switch a {
	case MissingIgnore:
		return "ignore"
	case MissingDelete:
		return "delete"
	case MissingMark:
		return "mark"
	default:
		return fmt.Sprintf("MissingAction(%d)", int(a))
	}
}

// ApplyOptions 寫入參數
type ApplyOptions struct {
	AllowInsert bool
	Missing     MissingAction
	MarkColumn  string // Missing == MissingMark 時必填
	BatchSize   int    // <= 0 時使用 DefaultBatchSize
	DryRun      bool
}

// ApplyStats 一次 Apply 的結果統計
type ApplyStats struct {
	Input           int  `json:"input"`
	Existing        int  `json:"exist"`
	Skipped         int  `json:"skip"`
	Unchanged       int  `json:"unchanged"`
	Changed         int  `json:"changed"`
	Inserted        int  `json:"inserted"`
	DeletedOrMarked int  `json:"deleted_or_marked"`
	New             int  `json:"new"`
	Missing         int  `json:"missing"`
	DryRun          bool `json:"dry_run"`
	Statements      int  `json:"statements"`
}

func (s ApplyStats) String() string {
	return fmt.Sprintf("input:%d, exist:%d, skip:%d, unchanged:%d, changed:%d, new:%d, inserted:%d, missing:%d, deleted_or_marked:%d, statements:%d, dry_run:%v",
		s.Input, s.Existing, s.Skipped, s.Unchanged, s.Changed, s.New, s.Inserted,
		s.Missing, s.DeletedOrMarked, s.Statements, s.DryRun)
}

// Reconciler 對一個 Gateway 做比對與寫入；本身不保留跨呼叫的狀態
type Reconciler struct {
	rc *runctx.RunContext
	gw Gateway
}

// New 創建 Reconciler；rc 為 nil 時使用 runctx.New()
func New(rc *runctx.RunContext, gw Gateway) *Reconciler {
	if rc == nil {
		rc = runctx.New()
	}
	return &Reconciler{rc: rc, gw: gw}
}

// gatewayError 把 Gateway 的錯誤歸入 ErrStorage；輸入錯誤（如 ErrMissingKey）原樣回傳
func gatewayError(op string, err error) error {
	if errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Plan 從 Gateway 讀取舊資料與 schema，再與 newRows 比對
//
// opts.Schema 為空時使用 Gateway.Columns 的結果。
func (r *Reconciler) Plan(ctx context.Context, newRows []Row, opts DiffOptions) (*DiffPlan, error) {
	if r.gw == nil {
		return nil, fmt.Errorf("%w: no gateway", ErrInvalidInput)
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("%w: no unique key given", ErrInvalidInput)
	}

	if len(opts.Schema) == 0 {
		cols, err := r.gw.Columns(ctx)
		if err != nil {
			return nil, gatewayError("columns", err)
		}
		opts.Schema = cols
	}

	existing, err := r.gw.Query(ctx, opts.Key)
	if err != nil {
		return nil, gatewayError("query", err)
	}
	keys := slices.Sorted(maps.Keys(existing))
	oldRows := make([]Row, 0, len(keys))
	for _, k := range keys {
		oldRows = append(oldRows, existing[k])
	}

	start := time.Now()
	plan, err := Diff(newRows, oldRows, opts)
	if err != nil {
		return nil, err
	}
	r.rc.Diag.Timer("reconcile.diff", time.Since(start))
	r.rc.Logger.Debug("Reconcile plan computed",
		"key", opts.Key,
		"input", plan.InputCount,
		"existing", plan.ExistingCount,
		"insert", len(plan.ToInsert),
		"update", len(plan.ToUpdate),
		"missing", len(plan.ToDeleteOrMark),
		"changed_columns", plan.ChangedColumns)
	return plan, nil
}

// Apply 依 plan 發出批次操作
//
// DryRun 時不呼叫任何寫入方法，但回傳與實際執行相同的計數。
func (r *Reconciler) Apply(ctx context.Context, plan *DiffPlan, opts ApplyOptions) (stats ApplyStats, err error) {
	if plan == nil {
		return stats, fmt.Errorf("%w: nil plan", ErrInvalidInput)
	}
	if r.gw == nil && !opts.DryRun {
		return stats, fmt.Errorf("%w: no gateway", ErrInvalidInput)
	}
	if opts.Missing == MissingMark && opts.MarkColumn == "" {
		return stats, fmt.Errorf("%w: mark column required", ErrInvalidInput)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	ctx, span := r.rc.Tracer.Start(ctx, "reconcile.apply", trace.WithAttributes(
		attribute.String("key", plan.Key),
		attribute.Int("batch_size", opts.BatchSize),
		attribute.String("missing", opts.Missing.String()),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	stats = ApplyStats{
		Input:     plan.InputCount,
		Existing:  plan.ExistingCount - len(plan.ToDeleteOrMark),
		Skipped:   len(plan.Skipped),
		Unchanged: len(plan.Unchanged),
		Changed:   len(plan.ToUpdate),
		New:       len(plan.ToInsert),
		Missing:   len(plan.ToDeleteOrMark),
		DryRun:    opts.DryRun,
	}

	// ----------------------------------------------------------------------------
	// insert
	// ----------------------------------------------------------------------------
	if opts.AllowInsert && len(plan.ToInsert) > 0 {
		for i, chunk := range lo.Chunk(plan.ToInsert, opts.BatchSize) {
			if !opts.DryRun {
				if err := r.gw.InsertBatch(ctx, chunk); err != nil {
					return stats, fmt.Errorf("%w: insert batch %d: %w", ErrStorage, i, err)
				}
			}
			stats.Inserted += len(chunk)
			stats.Statements++
		}
	}

	// ----------------------------------------------------------------------------
	// update（CASE/WHEN）
	// ----------------------------------------------------------------------------
	if len(plan.ToUpdate) > 0 {
		rows := updateRows(plan)
		for i, chunk := range lo.Chunk(rows, opts.BatchSize) {
			if !opts.DryRun {
				if err := r.gw.UpdateBatch(ctx, plan.Key, plan.ChangedColumns, chunk); err != nil {
					return stats, fmt.Errorf("%w: update batch %d: %w", ErrStorage, i, err)
				}
			}
			stats.Statements++
		}
	}

	// ----------------------------------------------------------------------------
	// missing
	// ----------------------------------------------------------------------------
	if opts.Missing != MissingIgnore && len(plan.ToDeleteOrMark) > 0 {
		keys := lo.Map(plan.ToDeleteOrMark, func(row Row, _ int) any { return row[plan.Key] })
		for i, chunk := range lo.Chunk(keys, opts.BatchSize) {
			if !opts.DryRun {
				var err error
				if opts.Missing == MissingDelete {
					err = r.gw.DeleteBatch(ctx, plan.Key, chunk)
				} else {
					err = r.gw.MarkBatch(ctx, plan.Key, chunk, opts.MarkColumn)
				}
				if err != nil {
					return stats, fmt.Errorf("%w: %s batch %d: %w", ErrStorage, opts.Missing, i, err)
				}
			}
			stats.DeletedOrMarked += len(chunk)
			stats.Statements++
		}
	}

	r.record(stats, opts)
	r.rc.Diag.Timer("reconcile.apply", time.Since(start))
	span.SetAttributes(
		attribute.Int("inserted", stats.Inserted),
		attribute.Int("changed", stats.Changed),
		attribute.Int("deleted_or_marked", stats.DeletedOrMarked),
	)
	r.rc.Logger.Info("Reconcile applied", "stats", stats.String())
	return stats, nil
}

// Reconcile 依序執行 Plan 與 Apply
func (r *Reconciler) Reconcile(ctx context.Context, newRows []Row, diff DiffOptions, apply ApplyOptions) (ApplyStats, error) {
	plan, err := r.Plan(ctx, newRows, diff)
	if err != nil {
		return ApplyStats{}, err
	}
	return r.Apply(ctx, plan, apply)
}

// updateRows 讓每一列都帶有 key 與所有 ChangedColumns 的值；
// 新列沒有的欄位沿用舊值，CASE 分支因此不會把其他欄位寫成 NULL。
// key 使用儲存層中的原值，"2" 與 2 這類表示差異不影響 WHERE 條件
func updateRows(plan *DiffPlan) []Row {
	rows := make([]Row, 0, len(plan.ToUpdate))
	for _, pair := range plan.ToUpdate {
		row := Row{plan.Key: pair.Old[plan.Key]}
		for _, col := range plan.ChangedColumns {
			if v, ok := pair.New[col]; ok {
				row[col] = v
			} else {
				row[col] = pair.Old[col]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *Reconciler) record(stats ApplyStats, opts ApplyOptions) {
	if opts.DryRun {
		return
	}
	m := r.rc.Metrics
	m.RecordReconcile("insert", stats.Inserted)
	m.RecordReconcile("update", stats.Changed)
	m.RecordReconcile("unchanged", stats.Unchanged)
	m.RecordReconcile("skip", stats.Skipped)
	switch opts.Missing {
	case MissingDelete:
		m.RecordReconcile("delete", stats.DeletedOrMarked)
	case MissingMark:
		m.RecordReconcile("mark", stats.DeletedOrMarked)
	}
}
