package era5

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownVariable is returned when a long name is not in the catalog.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrInvalidLocation is returned for coordinates outside the valid range.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrQuotaExceeded means a request cannot be brought under the archive's item ceiling.
	ErrQuotaExceeded = errors.New("item quota exceeded")

	// ErrTransient marks failures worth retrying (rate limits, busy queue, network faults).
	ErrTransient = errors.New("transient fetch error")

	// ErrRejected marks archive refusals that retrying will not fix.
	ErrRejected = errors.New("request rejected by archive")

	// ErrFetchFailed is the terminal state of a task that could not be fetched.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrCacheCorruption is used internally by cache backends; callers see a miss.
	ErrCacheCorruption = errors.New("cache entry corrupt")

	// ErrIncompleteSeries is returned when assembled hours are missing.
	ErrIncompleteSeries = errors.New("incomplete series")
)

// FetchError reports a task that ended without a cached payload.
type FetchError struct {
	Key      string
	Variable string
	Window   Span
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s failed after %d attempt(s): %v",
		e.Variable, e.Window, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// IncompleteSeriesError lists the hourly ranges with no cached value.
type IncompleteSeriesError struct {
	Variable string
	Missing  []Span
}

func (e *IncompleteSeriesError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for i, s := range e.Missing {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Missing)-3))
			break
		}
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("%s: %d missing hour(s): %s",
		e.Variable, e.MissingHours(), strings.Join(parts, ", "))
}

func (e *IncompleteSeriesError) Unwrap() error { return ErrIncompleteSeries }

// MissingHours is the total number of hourly slots without a value.
func (e *IncompleteSeriesError) MissingHours() int {
	n := 0
	for _, s := range e.Missing {
		n += s.Hours()
	}
	return n
}

// CoalesceHours turns a sorted list of missing hours into contiguous spans.
func CoalesceHours(hours []time.Time) []Span {
	var spans []Span
	for _, h := range hours {
		if n := len(spans); n > 0 && spans[n-1].To.Equal(h) {
			spans[n-1].To = h.Add(time.Hour)
			continue
		}
		spans = append(spans, Span{From: h, To: h.Add(time.Hour)})
	}
	return spans
}
