// Package era5 holds the value types shared by the planner, cache, fetcher and
// assembler: variables, locations, hourly spans, fetch tasks and time series.
package era5

import (
	"fmt"
	"time"
)

// DatasetStart is the first hour published for the ERA5 single-level reanalysis.
var DatasetStart = time.Date(1940, time.January, 1, 0, 0, 0, 0, time.UTC)

// Variable maps a CDS long name to the short code used in payload columns.
type Variable struct {
	LongName  string `json:"long_name"`
	ShortCode string `json:"short_code"`
}

func (v Variable) String() string { return v.LongName }

// Shape is the request shape that, together with the task fields, identifies a payload.
type Shape struct {
	Dataset string `json:"dataset"`
	Format  string `json:"format"`
}

// Task is one unit of remote work: one variable, one calendar year or part of it.
type Task struct {
	Variable Variable
	Year     int
	// SubRange is set when the year had to be split to fit the item quota.
	SubRange *Span
	Location Location
	Shape    Shape
	// Window is the part of the calendar piece actually requested (clipped to
	// the dataset start and the embargo boundary).
	Window Span
}

// Piece is the calendar range the task stands for, before clipping.
func (t Task) Piece() Span {
	if t.SubRange != nil {
		return *t.SubRange
	}
	return YearSpan(t.Year)
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%d %s @%s", t.Variable.ShortCode, t.Year, t.Window, t.Location.Key())
}

// Point is a single hourly value.
type Point struct {
	Time  time.Time
	Value float64
}

// TimeSeries is the assembled hourly series of one variable.
type TimeSeries struct {
	Variable Variable
	Points   []Point
}

// Span returns the covered range, or an empty span for an empty series.
func (ts TimeSeries) Span() Span {
	if len(ts.Points) == 0 {
		return Span{}
	}
	return Inclusive(ts.Points[0].Time, ts.Points[len(ts.Points)-1].Time)
}
