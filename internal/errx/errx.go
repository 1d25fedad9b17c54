// Package errx provides the sentinel-wrapping convention used across this
// module: every package declares package-level sentinel errors, and call
// sites attach context to them with Wrap or With rather than constructing
// ad-hoc error strings. errors.Is against the sentinel keeps working because
// the sentinel is always the %w-wrapped target.
package errx

import "fmt"

// Wrap attaches cause to sentinel, preserving errors.Is(result, sentinel).
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With formats extra context onto sentinel using format/args, then wraps it.
// The format string itself does not need to mention the sentinel; With
// prepends it. A %w verb in format may reference the last arg to keep
// errors.Is/errors.As working against a wrapped cause.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
