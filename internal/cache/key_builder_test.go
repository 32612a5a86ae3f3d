package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"era5-downloader/internal/era5"
)

func TestBuildKey_IgnoresWindow(t *testing.T) {
	a := yearTask(2025)
	b := yearTask(2025)
	a.Window = era5.Span{From: hour(2025, 1, 1, 0), To: hour(2025, 3, 1, 0)}
	b.Window = era5.Span{From: hour(2025, 1, 1, 0), To: hour(2025, 3, 2, 0)}

	assert.Equal(t, BuildKey(a), BuildKey(b), "key must not depend on the clipped window")
}

func TestBuildKey_Distinguishes(t *testing.T) {
	base := BuildKey(yearTask(2020))

	other := yearTask(2020)
	other.Location = era5.Location{Lat: 48.86, Lon: 2.36}
	assert.NotEqual(t, base, BuildKey(other), "location")

	other = yearTask(2021)
	assert.NotEqual(t, base, BuildKey(other), "year")

	other = yearTask(2020)
	other.Variable = era5.Variable{LongName: "total_precipitation", ShortCode: "tp"}
	assert.NotEqual(t, base, BuildKey(other), "variable")

	other = yearTask(2020)
	sub := era5.Span{From: hour(2020, 1, 1, 0), To: hour(2020, 7, 1, 0)}
	other.SubRange = &sub
	k := BuildKey(other)
	assert.NotEqual(t, base, k, "sub-range")
	assert.Equal(t, "0101T00-0701T00", k.Range)
}

func TestBuildKey_NormalizesLocation(t *testing.T) {
	a := yearTask(2020)
	b := yearTask(2020)
	b.Location = era5.Location{Lat: 48.8649, Lon: 2.3501}

	assert.Equal(t, BuildKey(a), BuildKey(b), "coordinates equal after rounding share a key")
}

func TestKey_String(t *testing.T) {
	k := BuildKey(yearTask(2020))
	assert.Regexp(t, `^era5:t2m:2020:4886N_235E:`, k.String())
	assert.Equal(t, "t2m_2020", k.Label())

	sub := era5.Span{From: hour(2020, 12, 16, 0), To: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	task := yearTask(2020)
	task.SubRange = &sub
	assert.Equal(t, "1216T00-end", BuildKey(task).Range)
}
