// Package payload decodes the point time-series files delivered by the archive.
//
// The archive answers with a CSV table, sometimes wrapped in a zip. The table
// has a timestamp column (valid_time, or time/date in older exports) and one
// column per requested variable, named by its short code.
package payload

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"era5-downloader/internal/era5"
)

var (
	ErrEmpty        = errors.New("payload: no rows")
	ErrNoTimeColumn = errors.New("payload: no time column")
	ErrNoValue      = errors.New("payload: no value column")
)

var timeColumns = []string{"valid_time", "time", "date"}

// columns that are never the variable itself
var coordColumns = map[string]bool{
	"latitude": true, "longitude": true, "lat": true, "lon": true,
	"number": true, "expver": true,
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// Decode parses a payload and returns the hourly points of variable v, sorted
// and deduplicated by hour. Missing values ("", "nan") are skipped.
func Decode(data []byte, v era5.Variable) ([]era5.Point, error) {
	if IsZip(data) {
		inner, err := unzipCSV(data)
		if err != nil {
			return nil, err
		}
		data = inner
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("payload: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	timeIdx := indexOf(header, timeColumns...)
	if timeIdx < 0 {
		return nil, ErrNoTimeColumn
	}
	valueIdx, err := valueColumn(header, timeIdx, v)
	if err != nil {
		return nil, err
	}

	byHour := make(map[time.Time]float64)
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("payload: line %d: %w", line, err)
		}
		if len(rec) <= timeIdx || len(rec) <= valueIdx {
			return nil, fmt.Errorf("payload: line %d: short record", line)
		}

		ts, err := ParseTime(rec[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("payload: line %d: %w", line, err)
		}
		raw := strings.TrimSpace(rec[valueIdx])
		if raw == "" || strings.EqualFold(raw, "nan") {
			continue
		}
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("payload: line %d: value %q: %w", line, raw, err)
		}
		if math.IsNaN(val) {
			continue
		}
		// last row for an hour wins
		byHour[ts.Truncate(time.Hour)] = val
	}

	if len(byHour) == 0 {
		return nil, ErrEmpty
	}

	points := make([]era5.Point, 0, len(byHour))
	for ts, val := range byHour {
		points = append(points, era5.Point{Time: ts, Value: val})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

// LastHour returns the latest timestamp in points, which are sorted.
func LastHour(points []era5.Point) (time.Time, bool) {
	if len(points) == 0 {
		return time.Time{}, false
	}
	return points[len(points)-1].Time, true
}

// ParseTime accepts the timestamp formats seen in archive exports. Values
// without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// IsZip reports whether data starts with a zip local file header.
func IsZip(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func unzipCSV(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("payload: open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("payload: open %s: %w", f.Name, err)
		}
		out, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("payload: read %s: %w", f.Name, err)
		}
		return out, nil
	}
	return nil, errors.New("payload: zip holds no csv file")
}

func valueColumn(header []string, timeIdx int, v era5.Variable) (int, error) {
	if i := indexOf(header, strings.ToLower(v.ShortCode), strings.ToLower(v.LongName)); i >= 0 {
		return i, nil
	}
	// single-variable files: the only column that is neither time nor coordinate
	found := -1
	for i, name := range header {
		if i == timeIdx || coordColumns[name] || name == "" {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%w for %s", ErrNoValue, v.ShortCode)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w for %s", ErrNoValue, v.ShortCode)
	}
	return found, nil
}

func indexOf(header []string, names ...string) int {
	for _, n := range names {
		if n == "" {
			continue
		}
		for i, h := range header {
			if h == n {
				return i
			}
		}
	}
	return -1
}
