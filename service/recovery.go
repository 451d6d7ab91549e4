package service

import (
	"fmt"
	"runtime/debug"

	"github.com/corestate-io/svcmux/logging"
)

// SafeApply invokes fn (a primitive's apply method) with panic recovery,
// converting a panic into a plain error so a misbehaving primitive cannot
// crash the manager's apply loop. The manager itself performs no
// suspension and is never wrapped this way — a panic in the manager's own
// routing code is a manager bug and should surface directly.
func SafeApply[T any](logger logging.Logger, operation string, fn func() (T, error)) (result T, err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered_in_service",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				err = fmt.Errorf("panic in %s: %v", operation, r)
			}
		}()
		result, err = fn()
	}()
	return result, err
}

// SafeApplyVoid is the no-result variant, used for streaming apply calls
// whose only return is an error.
func SafeApplyVoid(logger logging.Logger, operation string, fn func() error) (err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered_in_service",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				err = fmt.Errorf("panic in %s: %v", operation, r)
			}
		}()
		err = fn()
	}()
	return err
}
