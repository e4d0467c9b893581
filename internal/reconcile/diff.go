// ============================================================================
// seakylib Reconcile - 新舊資料集比對
// ============================================================================
//
// Package: internal/reconcile
// 文件: diff.go
// 功能: 以唯一 key 比對新舊資料集，產生 insert / update / delete-or-mark 分區
//
// 分區規則（對 new ∪ old 的 key 空間完整且互斥）:
//   - Skipped:        new 中 Skip 回傳 true 的列
//   - ToInsert:       只在 new 中出現
//   - ToUpdate:       兩邊都有，且至少一個追蹤欄位變更
//   - Unchanged:      兩邊都有，追蹤欄位都未變更
//   - ToDeleteOrMark: 只在 old 中出現
//
// 追蹤欄位:
//   Tracked 有指定時只比對這些欄位；否則比對 new 列中同時存在於 old 列
//   與 Schema 的欄位（Schema 為空表示不限制）。key 欄位永不比對。
//
// ============================================================================

package reconcile

import (
	"fmt"

	"github.com/samber/lo"
)

// DefaultPriorSuffix 是保留舊值欄位的預設後綴（status → status_prior）
const DefaultPriorSuffix = "_prior"

// DiffOptions 比對參數
type DiffOptions struct {
	Key           string         // 唯一 key 欄位
	Tracked       []string       // 只比對這些欄位；空表示自動
	Schema        []string       // 目標表的欄位；空表示不限制
	Skip          func(Row) bool // 回傳 true 的新列完全排除
	FuzzyNumeric  bool           // "10" 與 10 視為相同
	PreservePrior []string       // 變更時把舊值寫入 <col><PriorSuffix>
	PriorSuffix   string         // 預設 DefaultPriorSuffix
}

// UpdatePair 一個需要更新的列
type UpdatePair struct {
	New Row // 新值（含 prior 欄位）
	Old Row // 儲存層中的舊值
}

// DiffPlan 一次比對的結果
type DiffPlan struct {
	Key            string
	ToInsert       []Row
	ToUpdate       []UpdatePair
	ToDeleteOrMark []Row
	Unchanged      []Row
	Skipped        []Row
	ChangedColumns []string // 所有 ToUpdate 中變更欄位的聯集（依首次出現順序）
	InputCount     int
	ExistingCount  int
}

// Diff 比對新舊資料集；不修改輸入的列
//
// 錯誤：
//   - ErrInvalidInput: 未指定 Key
//   - ErrMissingKey: 任一列缺少 key
//   - ErrDuplicateKey: 同一側 key 重複
func Diff(newRows, oldRows []Row, opts DiffOptions) (*DiffPlan, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("%w: no unique key given", ErrInvalidInput)
	}
	if opts.PriorSuffix == "" {
		opts.PriorSuffix = DefaultPriorSuffix
	}

	oldByKey := make(map[string]Row, len(oldRows))
	oldOrder := make([]string, 0, len(oldRows))
	for _, row := range oldRows {
		k, err := keyOf(row, opts.Key)
		if err != nil {
			return nil, err
		}
		if _, dup := oldByKey[k]; dup {
			return nil, fmt.Errorf("%w: %q appears twice in existing rows", ErrDuplicateKey, k)
		}
		oldByKey[k] = row
		oldOrder = append(oldOrder, k)
	}

	plan := &DiffPlan{
		Key:           opts.Key,
		InputCount:    len(newRows),
		ExistingCount: len(oldRows),
	}
	schema := toSet(opts.Schema)
	var changed []string
	seen := make(map[string]bool, len(newRows))

	for _, row := range newRows {
		k, err := keyOf(row, opts.Key)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %q appears twice in new rows", ErrDuplicateKey, k)
		}
		seen[k] = true

		if opts.Skip != nil && opts.Skip(row) {
			plan.Skipped = append(plan.Skipped, row)
			continue
		}

		old, exists := oldByKey[k]
		if !exists {
			plan.ToInsert = append(plan.ToInsert, row.Clone())
			continue
		}

		candidate := row.Clone()
		cols := changedColumns(candidate, old, schema, opts)
		if len(cols) == 0 {
			plan.Unchanged = append(plan.Unchanged, row)
			continue
		}
		cols = append(cols, preservePrior(candidate, old, schema, opts)...)

		plan.ToUpdate = append(plan.ToUpdate, UpdatePair{New: candidate, Old: old})
		changed = append(changed, cols...)
	}

	for _, k := range oldOrder {
		if !seen[k] {
			plan.ToDeleteOrMark = append(plan.ToDeleteOrMark, oldByKey[k])
		}
	}
	plan.ChangedColumns = lo.Uniq(changed)

	return plan, nil
}

// changedColumns 回傳 candidate 相對 old 變更的追蹤欄位（已排序）
func changedColumns(candidate, old Row, schema map[string]bool, opts DiffOptions) []string {
	var cols []string
	for _, col := range trackedColumns(candidate, old, schema, opts) {
		if fieldChanged(candidate[col], old[col], opts.FuzzyNumeric) {
			cols = append(cols, col)
		}
	}
	return cols
}

func trackedColumns(candidate, old Row, schema map[string]bool, opts DiffOptions) []string {
	var cols []string
	if len(opts.Tracked) > 0 {
		cols = opts.Tracked
	} else {
		cols = candidate.Columns()
	}

	tracked := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == opts.Key {
			continue
		}
		if _, ok := candidate[col]; !ok {
			continue
		}
		if _, ok := old[col]; !ok {
			continue
		}
		if len(schema) > 0 && !schema[col] {
			continue
		}
		tracked = append(tracked, col)
	}
	return tracked
}

// preservePrior 把舊值寫入配對欄位，回傳因此變更的配對欄位
func preservePrior(candidate, old Row, schema map[string]bool, opts DiffOptions) []string {
	var cols []string
	for _, col := range opts.PreservePrior {
		paired := col + opts.PriorSuffix
		if len(schema) > 0 {
			if !schema[paired] {
				continue
			}
		} else if _, ok := old[paired]; !ok {
			continue
		}
		if _, given := candidate[paired]; given {
			continue
		}
		prior, ok := old[col]
		if !ok {
			continue
		}
		candidate[paired] = prior
		if fieldChanged(prior, old[paired], opts.FuzzyNumeric) {
			cols = append(cols, paired)
		}
	}
	return cols
}

// PriorColumns 回傳 schema 中有 <col><suffix> 配對欄位的 col
func PriorColumns(schema []string, suffix string) []string {
	if suffix == "" {
		suffix = DefaultPriorSuffix
	}
	set := toSet(schema)
	var cols []string
	for _, col := range schema {
		if set[col+suffix] {
			cols = append(cols, col)
		}
	}
	return cols
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
