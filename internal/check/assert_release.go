//go:build !debug

package check

// Assert is a no-op in release builds: under the !debug tag the
// invariant checks of assert_debug.go compile away entirely.
func Assert(_ bool, _ string) {}

// Assertf is a no-op in release builds.
func Assertf(_ bool, _ string, _ ...any) {}
