// Package clock provides a deterministic clock abstraction for the kernel.
//
// GUARDRAIL: handlers, guards, and policies MUST NOT call time.Now()
// directly. Inject a Clock instead so replay and tests are deterministic.
//
// Usage:
//
//	type Bus struct {
//	    clock clock.Clock
//	}
//
//	func (b *Bus) Dispatch(cmd Command) {
//	    now := b.clock.Now()  // deterministic within a single command
//	}
//
//	// In tests
//	fixed := clock.NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
package clock

import "time"

// Clock provides the current time. All core logic depends on this
// interface, never on time.Now().
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual system time. Use only at process
// entry points (cmd/*), never inside handlers, guards, or policies.
type RealClock struct{}

// Now returns the current system time, UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns a fixed time. Use for deterministic tests
// and for replay, where the log supplies its own timestamps.
type FixedClock struct {
	T time.Time
}

// NewFixed returns a Clock pinned to t.
func NewFixed(t time.Time) FixedClock {
	return FixedClock{T: t}
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time {
	return c.T
}

// FuncClock wraps a function as a Clock. Useful for incrementing time
// deterministically across a sequence of test commands.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time {
	return f()
}

// Sequence returns a FuncClock that advances by step on every call,
// starting at start. Handy for tests asserting strictly increasing
// received_at values without depending on wall-clock resolution.
func Sequence(start time.Time, step time.Duration) FuncClock {
	next := start
	first := true
	return func() time.Time {
		if first {
			first = false
			return next
		}
		next = next.Add(step)
		return next
	}
}
