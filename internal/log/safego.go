package log

import (
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine with panic recovery.
// A recovered panic is logged with its stack trace instead of crashing the
// daemon. One misbehaving session worker must never take down the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatDaemon, "goroutine panic recovered",
					"name", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
