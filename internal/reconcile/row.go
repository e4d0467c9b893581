package reconcile

import (
	"fmt"
	"maps"
	"slices"
)

// Row 是比對與寫入時統一使用的資料列表示（欄位名稱 → 值）
type Row map[string]any

// Clone 回傳淺拷貝
func (r Row) Clone() Row {
	if r == nil {
		return Row{}
	}
	return maps.Clone(r)
}

// Columns 回傳排序後的欄位名稱
func (r Row) Columns() []string {
	return slices.Sorted(maps.Keys(r))
}

// KeyString 回傳 key 值的標準字串形式；10、int64(10) 與 "10" 視為同一個 key
func KeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprint(int64(t))
		}
	case float32:
		if t == float32(int64(t)) {
			return fmt.Sprint(int64(t))
		}
	}
	return fmt.Sprint(v)
}

// keyOf 取得列的 key；缺少或為 nil 時回傳 ErrMissingKey
func keyOf(row Row, key string) (string, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %q not in row %v", ErrMissingKey, key, row)
	}
	return KeyString(v), nil
}
