// Package system provides the wall clock used by real runs.
package system

import "time"

// Clock implements crawler.Clock using time.Now truncated to microseconds,
// which is what the checkpoint backends persist.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
