package embargo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatestAvailable(t *testing.T) {
	now := time.Date(2026, 10, 18, 13, 47, 12, 0, time.UTC)
	want := time.Date(2026, 10, 13, 13, 0, 0, 0, time.UTC)
	assert.True(t, New(0).LatestAvailable(now).Equal(want))
}

func TestLatestAvailable_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 1, 3, 1, 30, 0, 0, loc) // 2026-01-02T23:30Z

	got := Clock{Delay: DefaultDelay}.LatestAvailable(now)
	assert.True(t, got.Equal(time.Date(2025, 12, 28, 23, 0, 0, 0, time.UTC)), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestLatestAvailable_ZeroClockUsesDefaultDelay(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	assert.True(t, (Clock{}).LatestAvailable(now).Equal(now.Add(-DefaultDelay)))
}
