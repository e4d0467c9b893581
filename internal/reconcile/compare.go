package reconcile

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// fieldChanged 依序套用比對規則：
//  1. 新值非 nil 且舊值為 nil → 變更
//  2. 相等 → 未變更
//  3. 啟用 fuzzy 且新值轉成舊值的型別後相等 → 未變更
//  4. 其餘 → 變更
func fieldChanged(newV, oldV any, fuzzy bool) bool {
	if newV != nil && oldV == nil {
		return true
	}
	if valuesEqual(newV, oldV) {
		return false
	}
	if fuzzy {
		if coerced, ok := coerceLike(newV, oldV); ok && valuesEqual(coerced, oldV) {
			return false
		}
	}
	return true
}

// valuesEqual 判斷兩值是否相等；不同寬度的數字以數值比較
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ai, aok := asInt(a); aok {
		if bi, bok := asInt(b); bok {
			return ai == bi
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if ab, ok := a.([]byte); ok {
		a = string(ab)
	}
	if bb, ok := b.([]byte); ok {
		b = string(bb)
	}
	return reflect.DeepEqual(a, b)
}

// coerceLike 把 v 轉成與 like 相同的型別族（字串、整數、浮點數）
func coerceLike(v, like any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch like.(type) {
	case string, []byte:
		return strings.TrimSpace(stringify(v)), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if i, ok := asInt(v); ok {
			return i, true
		}
		if f, ok := asFloat(v); ok {
			if f == math.Trunc(f) && !math.IsInf(f, 0) {
				return int64(f), true
			}
			return nil, false
		}
		if s, ok := asString(v); ok {
			i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			return i, err == nil
		}
	case float32, float64:
		if f, ok := asFloat(v); ok {
			return f, true
		}
		if s, ok := asString(v); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return f, err == nil
		}
	}
	return nil, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func stringify(v any) string {
	if s, ok := asString(v); ok {
		return s
	}
	if i, ok := asInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b)
	}
	return fmt.Sprint(v)
}
