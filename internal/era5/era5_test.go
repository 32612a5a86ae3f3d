package era5

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		loc  Location
		ok   bool
	}{
		{"paris", Location{Lat: 48.8575, Lon: 2.3514}, true},
		{"poles", Location{Lat: -90, Lon: 180}, true},
		{"lat too high", Location{Lat: 90.01, Lon: 0}, false},
		{"lon too low", Location{Lat: 0, Lon: -180.5}, false},
		{"nan", Location{Lat: math.NaN(), Lon: 0}, false},
	}
	for _, tc := range cases {
		err := tc.loc.Validate()
		if tc.ok {
			assert.NoError(t, err, tc.name)
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidLocation, tc.name)
	}
}

func TestLocationNormalization(t *testing.T) {
	t.Parallel()

	a := Location{Lat: 48.8575, Lon: 2.3514}
	b := Location{Lat: 48.857500000001, Lon: 2.35139999}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "48.86,2.35", a.Key())
	assert.Equal(t, "4886N_235E", a.Slug())

	neg := Location{Lat: 59.5, Lon: -151.75}
	assert.Equal(t, "5950N_-15175E", neg.Slug())
	assert.Equal(t, "0.00,0.00", Location{Lat: -0.001, Lon: 0.004}.Key())
}

func TestSpanArithmetic(t *testing.T) {
	t.Parallel()

	y := YearSpan(2024)
	assert.Equal(t, 366*24, y.Hours())
	assert.Equal(t, 365*24, YearSpan(2023).Hours())

	h := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	assert.True(t, y.Contains(h))
	assert.False(t, y.Contains(y.To))
	assert.Equal(t, time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), y.Last())

	clip := y.Intersect(Span{From: h, To: h.Add(48 * time.Hour)})
	assert.Equal(t, 48, clip.Hours())
	assert.True(t, y.Intersect(YearSpan(2026)).Empty())
}

func TestCoalesceHours(t *testing.T) {
	t.Parallel()

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	hours := []time.Time{base, base.Add(time.Hour), base.Add(5 * time.Hour)}
	spans := CoalesceHours(hours)
	require.Len(t, spans, 2)
	assert.Equal(t, 2, spans[0].Hours())
	assert.Equal(t, 1, spans[1].Hours())

	err := &IncompleteSeriesError{Variable: "t2m", Missing: spans}
	assert.ErrorIs(t, err, ErrIncompleteSeries)
	assert.Equal(t, 3, err.MissingHours())
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &FetchError{Variable: "t2m", Attempts: 3, Err: ErrTransient}
	assert.True(t, errors.Is(err, ErrFetchFailed))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrRejected))
}
