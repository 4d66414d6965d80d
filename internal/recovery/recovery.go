// Package recovery provides panic recovery helpers for connection and
// background goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Call when the wrapped function panics.
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

// RecoverWithLog recovers from a panic and logs it. Use with defer at the
// start of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "probe-handler")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from a panic, logs it, and calls callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}

// Call runs fn and converts a panic into a *PanicError.
func Call(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func logPanic(logger *slog.Logger, name string, r interface{}, stack string) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", stack)
}
