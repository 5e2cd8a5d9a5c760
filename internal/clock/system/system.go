// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// Clock implements artifact.Clock using time.Now.
type Clock struct{}

var _ artifact.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
