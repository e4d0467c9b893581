package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// Timed runs fn and returns how long it took.
func Timed(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}

// Guard invokes job and converts a panic into a failed result whose value is
// the panic message. An error value returned as the result is flattened to
// its message so it survives JSON encoding. stack is non-empty only when the
// job panicked.
func Guard(ctx context.Context, job JobFunc, args types.Args) (ok bool, value any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			value = fmt.Sprint(r)
			if value == "" {
				value = "job panicked"
			}
			stack = string(debug.Stack())
		}
	}()

	ok, value = job(ctx, args)
	if err, isErr := value.(error); isErr {
		value = err.Error()
	}
	return ok, value, ""
}

// FromFunc adapts an error-returning function into a JobFunc: a nil error is
// success with the returned value, a non-nil error is failure with its message.
func FromFunc(fn func(ctx context.Context, args types.Args) (any, error)) JobFunc {
	return func(ctx context.Context, args types.Args) (bool, any) {
		v, err := fn(ctx, args)
		if err != nil {
			return false, err.Error()
		}
		return true, v
	}
}
