package era5

import (
	"fmt"
	"time"
)

// Span is a half-open hourly interval [From, To) in UTC.
type Span struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// YearSpan returns the whole calendar year.
func YearSpan(year int) Span {
	return Span{
		From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Inclusive builds a span from a first and last hour, both included.
func Inclusive(first, last time.Time) Span {
	return Span{From: first.UTC(), To: last.UTC().Add(time.Hour)}
}

func (s Span) Empty() bool { return !s.From.Before(s.To) }

// Hours counts the hourly slots in the span.
func (s Span) Hours() int {
	if s.Empty() {
		return 0
	}
	return int(s.To.Sub(s.From) / time.Hour)
}

// Last is the final hour inside the span.
func (s Span) Last() time.Time { return s.To.Add(-time.Hour) }

func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.From) && t.Before(s.To)
}

// Intersect returns the overlap of two spans, possibly empty.
func (s Span) Intersect(o Span) Span {
	out := s
	if o.From.After(out.From) {
		out.From = o.From
	}
	if o.To.Before(out.To) {
		out.To = o.To
	}
	if out.Empty() {
		return Span{From: out.From, To: out.From}
	}
	return out
}

func (s Span) String() string {
	if s.Empty() {
		return "[]"
	}
	return fmt.Sprintf("[%s .. %s]", s.From.Format(hourLayout), s.Last().Format(hourLayout))
}

const hourLayout = "2006-01-02T15Z"
