// Package clock supplies the current time to components that make
// time-based decisions, so tests can drive them deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

// Compile-time check to ensure Real implements Clock
var _ Clock = Real{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Fake is a settable clock for tests. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// Compile-time check to ensure Fake implements Clock
var _ Clock = (*Fake)(nil)

// NewFake returns a Fake positioned at the given unix second.
func NewFake(unixSec int64) *Fake {
	return &Fake{now: time.Unix(unixSec, 0)}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the fake to the given unix second.
func (f *Fake) Set(unixSec int64) {
	f.mu.Lock()
	f.now = time.Unix(unixSec, 0)
	f.mu.Unlock()
}

// Advance moves the fake forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
