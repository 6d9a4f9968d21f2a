// Package clock is the time seam for the sweep and pacing loops: every
// component that waits or timestamps takes a Clock so tests can run
// those loops without sleeping.
package clock

import "time"

// Clock is the subset of time functions the agent uses.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
