package era5

import (
	"fmt"
	"math"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CoordPrecision is the number of decimals kept when normalizing coordinates.
const CoordPrecision = 2

// Location is a single query point.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name,omitempty"`
}

// Validate checks the coordinate ranges. The returned error wraps ErrInvalidLocation.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidLocation)
	}
	err := validation.ValidateStruct(&l,
		validation.Field(&l.Lat, validation.Min(-90.0), validation.Max(90.0)),
		validation.Field(&l.Lon, validation.Min(-180.0), validation.Max(180.0)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	return nil
}

// Normalized rounds both coordinates so float jitter maps to the same cache key.
func (l Location) Normalized() Location {
	scale := math.Pow10(CoordPrecision)
	l.Lat = math.Round(l.Lat*scale) / scale
	l.Lon = math.Round(l.Lon*scale) / scale
	// avoid "-0.00"
	if l.Lat == 0 {
		l.Lat = 0
	}
	if l.Lon == 0 {
		l.Lon = 0
	}
	return l
}

// Key is the canonical coordinate string used inside cache keys.
func (l Location) Key() string {
	n := l.Normalized()
	return strconv.FormatFloat(n.Lat, 'f', CoordPrecision, 64) + "," +
		strconv.FormatFloat(n.Lon, 'f', CoordPrecision, 64)
}

// Slug names the location on disk, e.g. "4886N_235E".
func (l Location) Slug() string {
	n := l.Normalized()
	return fmt.Sprintf("%dN_%dE", int(math.Round(n.Lat*100)), int(math.Round(n.Lon*100)))
}

// Label prefers the friendly name.
func (l Location) Label() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Key()
}
