// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements jobs.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to milliseconds, the resolution
// lease deadlines are exposed at.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
