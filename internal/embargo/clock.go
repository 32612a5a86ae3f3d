// Package embargo bounds queries by the archive's publication delay.
package embargo

import "time"

// DefaultDelay is how long ERA5 data takes to appear in the archive.
const DefaultDelay = 5 * 24 * time.Hour

// Clock computes the newest timestamp the archive may have published.
type Clock struct {
	Delay time.Duration
}

// New returns a Clock with the given delay, or DefaultDelay when delay <= 0.
func New(delay time.Duration) Clock {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return Clock{Delay: delay}
}

// LatestAvailable returns now minus the embargo, truncated to the hour, in UTC.
func (c Clock) LatestAvailable(now time.Time) time.Time {
	delay := c.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	return now.UTC().Add(-delay).Truncate(time.Hour)
}
