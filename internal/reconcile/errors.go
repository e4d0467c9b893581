package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput 參數或資料格式不合法
	ErrInvalidInput = errors.New("invalid reconcile input")
	// ErrMissingKey 某一列缺少 key 欄位
	ErrMissingKey = fmt.Errorf("%w: key column missing", ErrInvalidInput)
	// ErrDuplicateKey 同一側出現重複的 key
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", ErrInvalidInput)
	// ErrStorage 儲存層拒絕了某個批次操作
	ErrStorage = errors.New("storage operation failed")
)
