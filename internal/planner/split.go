package planner

import (
	"fmt"
	"time"

	"era5-downloader/internal/era5"
)

// Split cuts span into calendar halves until each piece holds at most
// maxItems hourly items (one point, one variable). Halves fall on month
// boundaries while the piece spans several months, then on day boundaries;
// the first half takes the extra unit when the count is odd. A single day
// over the ceiling cannot be split further.
func Split(span era5.Span, maxItems int) ([]era5.Span, error) {
	if span.Hours() <= maxItems {
		return []era5.Span{span}, nil
	}
	mid, ok := midpoint(span)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %d items, ceiling is %d",
			era5.ErrQuotaExceeded, span, span.Hours(), maxItems)
	}

	left, err := Split(era5.Span{From: span.From, To: mid}, maxItems)
	if err != nil {
		return nil, err
	}
	right, err := Split(era5.Span{From: mid, To: span.To}, maxItems)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func midpoint(s era5.Span) (time.Time, bool) {
	from := s.From.UTC()

	monthStart := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	if b := boundaries(s, monthStart, func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }); len(b) > 0 {
		return b[(len(b)+2)/2-1], true
	}

	dayStart := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	if b := boundaries(s, dayStart, func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }); len(b) > 0 {
		return b[(len(b)+2)/2-1], true
	}
	return time.Time{}, false
}

// boundaries lists the unit starts strictly inside s.
func boundaries(s era5.Span, first time.Time, next func(time.Time) time.Time) []time.Time {
	var out []time.Time
	for t := next(first); t.Before(s.To); t = next(t) {
		if t.After(s.From) {
			out = append(out, t)
		}
	}
	return out
}
