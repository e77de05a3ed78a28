//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Compiled in only with -tags debug;
// release builds make it a no-op, so callers may assert on hot paths.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message. Only active in debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
