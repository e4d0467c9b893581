package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/sseaky/seakylib/pkg/types"
)

// 執行結果寫入結果表時使用的欄位
const (
	ColumnIsOK    = "is_ok"
	ColumnResult  = "result"
	ColumnElapsed = "elapsed"
	ColumnFailed  = "failed"
)

// OutcomeRows 把 multirun 的執行結果轉成可交給 Diff 的列
//
// 每一列由 Outcome.Args 加上 is_ok（1/0）、result 與 elapsed 組成；
// result 不是純量時序列化為 JSON 字串。schema 含有 failed 欄位時，
// 失敗的列會在舊值（沒有舊列時為 0）上加一，成功的列沿用舊值。
func OutcomeRows(outcomes []types.Outcome, old []Row, key string, schema []string) ([]Row, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: no unique key given", ErrInvalidInput)
	}

	oldByKey := make(map[string]Row, len(old))
	for _, row := range old {
		k, err := keyOf(row, key)
		if err != nil {
			return nil, err
		}
		oldByKey[k] = row
	}
	countFailed := toSet(schema)[ColumnFailed]

	rows := make([]Row, 0, len(outcomes))
	for _, o := range outcomes {
		row := Row(o.Args.Clone())
		k, err := keyOf(row, key)
		if err != nil {
			return nil, fmt.Errorf("outcome %d: %w", o.InputOrder, err)
		}

		row[ColumnIsOK] = 0
		if o.Success {
			row[ColumnIsOK] = 1
		}
		row[ColumnResult] = scalarResult(o.Result)
		row[ColumnElapsed] = o.Elapsed

		if countFailed {
			count := int64(0)
			if prev, ok := oldByKey[k]; ok {
				if n, ok := coerceLike(prev[ColumnFailed], count); ok {
					count = n.(int64)
				}
			}
			if !o.Success {
				count++
			}
			row[ColumnFailed] = count
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func scalarResult(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case []byte:
		return string(v.([]byte))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
