package reconcile

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// Normalize 把呼叫端的資料轉成 []Row
//
// 支援：
//   - []Row、[]map[string]any、[]any（元素為 map 或 struct）
//   - map[K]V：以 map key 為列的 key，V 為 map 或 struct；列中缺少 key 欄位時自動補上
//   - struct 或 *struct 的 slice：依 json tag 取欄位名稱
//
// 列一律是淺拷貝，不會修改輸入。
func Normalize(v any, key string) ([]Row, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []Row:
		rows := make([]Row, 0, len(t))
		for _, row := range t {
			rows = append(rows, row.Clone())
		}
		return rows, nil
	case []map[string]any:
		rows := make([]Row, 0, len(t))
		for _, m := range t {
			rows = append(rows, Row(m).Clone())
		}
		return rows, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		rows := make([]Row, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			row, err := toRow(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			rows = append(rows, row)
		}
		return rows, nil

	case reflect.Map:
		if key == "" {
			return nil, fmt.Errorf("%w: keyed map input needs a key column", ErrInvalidInput)
		}
		rows := make([]Row, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			row, err := toRow(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("item %v: %w", iter.Key().Interface(), err)
			}
			if _, ok := row[key]; !ok {
				row[key] = iter.Key().Interface()
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	return nil, fmt.Errorf("%w: unsupported data type %T", ErrInvalidInput, v)
}

// toRow 把單一項目轉成 Row
func toRow(item any) (Row, error) {
	switch t := item.(type) {
	case Row:
		return t.Clone(), nil
	case map[string]any:
		return Row(t).Clone(), nil
	case nil:
		return nil, fmt.Errorf("%w: nil item", ErrInvalidInput)
	}

	rv := reflect.ValueOf(item)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil item", ErrInvalidInput)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: unsupported item type %T", ErrInvalidInput, item)
	}

	row := Row{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &row,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(rv.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return row, nil
}
