// Package system is the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Clock reports wall time in UTC so stored timestamps compare without
// zone conversions.
type Clock struct{}

var _ scrape.Clock = Clock{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now implements scrape.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
