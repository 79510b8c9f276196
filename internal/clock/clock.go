// Package clock abstracts the time source so windowed statistics, cache TTLs,
// and dormancy deadlines can be computed deterministically in tests.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock pinned to a settable instant. Intended for tests.
type Fixed struct {
	T time.Time
}

// Now returns the pinned instant.
func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the pinned instant forward.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
