package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"era5-downloader/internal/era5"
)

const keyVersion = "v1"

// Key identifies one cached payload.
// Hash is sha256 of the normalized task (variable, year, sub-range, location, shape).
type Key struct {
	ShortCode string
	Year      int
	Location  string // location slug
	Range     string // empty for a whole year
	Hash      string
}

// String converts the structured key into the string stored with the entry.
func (k Key) String() string {
	// era5:<SHORT>:<YEAR>[:<RANGE>]:<SLUG>:<HASH_HEX>
	if k.Range == "" {
		return fmt.Sprintf("era5:%s:%d:%s:%s", k.ShortCode, k.Year, k.Location, k.Hash)
	}
	return fmt.Sprintf("era5:%s:%d:%s:%s:%s", k.ShortCode, k.Year, k.Range, k.Location, k.Hash)
}

// Label is a short human-readable name, used for file names.
func (k Key) Label() string {
	if k.Range == "" {
		return fmt.Sprintf("%s_%d", k.ShortCode, k.Year)
	}
	return fmt.Sprintf("%s_%d_%s", k.ShortCode, k.Year, k.Range)
}

// BuildKey derives the cache key for a task. The clipped request window is
// deliberately left out so the key for the current year is stable from one
// day to the next.
func BuildKey(t era5.Task) Key {
	rng := ""
	if t.SubRange != nil {
		rng = t.SubRange.From.Format("0102T15") + "-" + t.SubRange.To.Format("0102T15")
		if t.SubRange.To.Year() != t.Year {
			rng = t.SubRange.From.Format("0102T15") + "-end"
		}
	}

	normalized := strings.Join([]string{
		keyVersion,
		"var=" + t.Variable.ShortCode,
		"name=" + t.Variable.LongName,
		"year=" + strconv.Itoa(t.Year),
		"range=" + rng,
		"loc=" + t.Location.Key(),
		"dataset=" + t.Shape.Dataset,
		"format=" + t.Shape.Format,
	}, "|")

	sum := sha256.Sum256([]byte(normalized))

	return Key{
		ShortCode: t.Variable.ShortCode,
		Year:      t.Year,
		Location:  t.Location.Slug(),
		Range:     rng,
		Hash:      hex.EncodeToString(sum[:]),
	}
}
