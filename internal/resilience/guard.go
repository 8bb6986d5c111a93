package resilience

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicError is returned by Guard when fn panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Guard runs fn and converts a panic into a *PanicError. The stack is logged
// at error level under name.
func Guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(name, r)
		}
	}()
	return fn()
}

// GuardVal is like Guard but preserves a return value.
func GuardVal[T any](name string, fn func() (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val = zero
			err = recovered(name, r)
		}
	}()
	return fn()
}

func recovered(name string, r any) *PanicError {
	pe := &PanicError{Value: r, Stack: debug.Stack()}
	zap.L().Error("resilience: recovered panic",
		zap.String("call", name),
		zap.Any("panic", r),
		zap.ByteString("stack", pe.Stack),
	)
	return pe
}
