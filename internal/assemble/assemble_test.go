package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"era5-downloader/internal/cache"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/planner"
)

var (
	t2m   = era5.Variable{LongName: "2m_temperature", ShortCode: "t2m"}
	tp    = era5.Variable{LongName: "total_precipitation", ShortCode: "tp"}
	paris = era5.Location{Lat: 48.8575, Lon: 2.3514}
	now   = time.Date(2025, 3, 15, 12, 30, 0, 0, time.UTC)
)

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

type harness struct {
	store *cache.MemoryStore
	plan  *planner.Planner
	asm   *Assembler
	putAt time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{putAt: now}
	h.store = cache.NewMemoryStore(cache.WithClock(func() time.Time { return h.putAt }))
	h.plan = planner.New(h.store, planner.Config{}, zaptest.NewLogger(t), planner.WithClock(func() time.Time { return now }))
	h.asm = New(h.plan, h.store, zaptest.NewLogger(t))
	return h
}

// put caches rows [from, to] for v's task of year, declaring cov.
func (h *harness) put(t *testing.T, v era5.Variable, year int, from, to time.Time, value func(time.Time) float64, cov cache.Coverage, at time.Time) {
	t.Helper()
	tasks, err := h.plan.Tasks([]era5.Variable{v}, paris, utc(year, 1, 1, 0), utc(year, 12, 31, 23))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	var b strings.Builder
	fmt.Fprintf(&b, "valid_time,%s\n", v.ShortCode)
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		fmt.Fprintf(&b, "%s,%g\n", h.Format("2006-01-02 15:04:05"), value(h))
	}

	h.putAt = at
	_, err = h.store.Put(context.Background(), cache.BuildKey(tasks[0]), []byte(b.String()), cov)
	require.NoError(t, err)
}

func constant(v float64) func(time.Time) float64 {
	return func(time.Time) float64 { return v }
}

func fullYear(year int) cache.Coverage {
	return cache.Coverage{From: utc(year, 1, 1, 0), Through: utc(year, 12, 31, 23)}
}

func TestAssemble_BoundaryHourPrefersDeclaringChunk(t *testing.T) {
	h := newHarness(t)
	boundary := utc(2021, 1, 1, 0)

	// 2020 spills one hour into 2021 and was retrieved later, but does not declare it
	h.put(t, t2m, 2020, utc(2020, 1, 1, 0), boundary, constant(20), fullYear(2020), now)
	h.put(t, t2m, 2021, boundary, utc(2021, 12, 31, 23), constant(21), fullYear(2021), now.Add(-time.Hour))

	out, err := h.asm.Assemble(context.Background(), []era5.Variable{t2m}, paris, utc(2020, 1, 1, 0), utc(2021, 12, 31, 23))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)

	points := out[0].Series.Points
	assert.Len(t, points, era5.YearSpan(2020).Hours()+era5.YearSpan(2021).Hours())

	seen := 0
	for i, p := range points {
		if i > 0 {
			require.True(t, points[i-1].Time.Before(p.Time), "timestamps must strictly increase")
		}
		if p.Time.Equal(boundary) {
			seen++
			assert.Equal(t, 21.0, p.Value)
		}
	}
	assert.Equal(t, 1, seen)
}

func TestMerge_TieBreaks(t *testing.T) {
	hour := utc(2021, 1, 1, 0)
	older := &cache.Entry{RetrievedAt: now.Add(-time.Hour), CoversFrom: hour, CoversThrough: hour}
	newer := &cache.Entry{RetrievedAt: now, CoversFrom: hour, CoversThrough: hour}
	silent := &cache.Entry{RetrievedAt: now.Add(time.Hour), CoversFrom: utc(2020, 1, 1, 0), CoversThrough: utc(2020, 12, 31, 23)}

	pt := func(v float64) []era5.Point { return []era5.Point{{Time: hour, Value: v}} }

	tests := []struct {
		name   string
		chunks []chunk
		want   float64
	}{
		{"both declare: most recent", []chunk{{older, pt(1), 1}, {newer, pt(2), 0}}, 2},
		{"declared beats newer", []chunk{{silent, pt(9), 0}, {older, pt(1), 1}}, 1},
		{"same retrieval: later chunk", []chunk{{newer, pt(1), 0}, {newer, pt(2), 1}}, 2},
		{"order of input irrelevant", []chunk{{newer, pt(2), 1}, {newer, pt(1), 0}}, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := merge(tt.chunks)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Value)
		})
	}
}

func TestAssemble_IncompleteSeries(t *testing.T) {
	h := newHarness(t)
	h.put(t, t2m, 2020, utc(2020, 1, 1, 0), utc(2020, 12, 31, 23), constant(1), fullYear(2020), now)
	h.put(t, tp, 2020, utc(2020, 1, 1, 0), utc(2020, 12, 31, 23), constant(2), fullYear(2020), now)
	h.put(t, tp, 2021, utc(2021, 1, 1, 0), utc(2021, 12, 31, 23), constant(3), fullYear(2021), now)

	out, err := h.asm.Assemble(context.Background(), []era5.Variable{t2m, tp}, paris, utc(2020, 1, 1, 0), utc(2021, 12, 31, 23))
	require.NoError(t, err)
	require.Len(t, out, 2)

	var ise *era5.IncompleteSeriesError
	require.True(t, errors.As(out[0].Err, &ise))
	assert.ErrorIs(t, out[0].Err, era5.ErrIncompleteSeries)
	assert.Equal(t, []era5.Span{era5.YearSpan(2021)}, ise.Missing)
	assert.Len(t, out[0].Series.Points, era5.YearSpan(2020).Hours())

	assert.NoError(t, out[1].Err)
}

func TestAssemble_FreshChunkSetsHorizon(t *testing.T) {
	h := newHarness(t)
	through := utc(2025, 3, 8, 23)
	h.put(t, t2m, 2025, utc(2025, 1, 1, 0), through, constant(5),
		cache.Coverage{From: utc(2025, 1, 1, 0), Through: through}, now.Add(-2*time.Hour))

	out, err := h.asm.Assemble(context.Background(), []era5.Variable{t2m}, paris, utc(2025, 1, 1, 0), time.Time{})
	require.NoError(t, err)
	require.NoError(t, out[0].Err)
	assert.Equal(t, through, out[0].Horizon)

	// a day later the same chunk is no longer trusted
	h.plan = planner.New(h.store, planner.Config{}, zaptest.NewLogger(t),
		planner.WithClock(func() time.Time { return now.Add(26 * time.Hour) }))
	h.asm = New(h.plan, h.store, zaptest.NewLogger(t))

	out, err = h.asm.Assemble(context.Background(), []era5.Variable{t2m}, paris, utc(2025, 1, 1, 0), time.Time{})
	require.NoError(t, err)
	assert.ErrorIs(t, out[0].Err, era5.ErrIncompleteSeries)
}

func TestAssemble_CorruptPayloadIsMissing(t *testing.T) {
	h := newHarness(t)
	tasks, err := h.plan.Tasks([]era5.Variable{t2m}, paris, utc(2020, 1, 1, 0), utc(2020, 12, 31, 23))
	require.NoError(t, err)
	_, err = h.store.Put(context.Background(), cache.BuildKey(tasks[0]), []byte("garbage"), fullYear(2020))
	require.NoError(t, err)

	out, err := h.asm.Assemble(context.Background(), []era5.Variable{t2m}, paris, utc(2020, 1, 1, 0), utc(2020, 12, 31, 23))
	require.NoError(t, err)
	assert.ErrorIs(t, out[0].Err, era5.ErrIncompleteSeries)
}

func TestWriteTable(t *testing.T) {
	series := []VariableSeries{
		{Variable: t2m, Series: era5.TimeSeries{Points: []era5.Point{
			{Time: utc(2024, 1, 1, 0), Value: 271.5},
			{Time: utc(2024, 1, 1, 1), Value: 272},
		}}},
		{Variable: tp, Series: era5.TimeSeries{Points: []era5.Point{
			{Time: utc(2024, 1, 1, 1), Value: 0.0001},
			{Time: utc(2024, 1, 1, 2), Value: 0},
		}}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, series))

	want := "valid_time,2m_temperature,total_precipitation\n" +
		"2024-01-01T00:00:00Z,271.5,\n" +
		"2024-01-01T01:00:00Z,272,0.0001\n" +
		"2024-01-01T02:00:00Z,,0\n"
	assert.Equal(t, want, buf.String())

	path := filepath.Join(t.TempDir(), "out", "table.csv")
	require.NoError(t, WriteFile(path, series))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
