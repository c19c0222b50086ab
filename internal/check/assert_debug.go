//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Only active in debug builds — internal/
// clocksync uses it to enforce its state-machine's legal transitions
// without paying for the check in release builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message. Only active in debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
