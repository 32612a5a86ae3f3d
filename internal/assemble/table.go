package assemble

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// WriteTable writes one row per hour present in any series, with one column
// per variable in the given order. Cells without a value are empty.
func WriteTable(w io.Writer, series []VariableSeries) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(series)+1)
	header = append(header, "valid_time")
	for _, s := range series {
		header = append(header, s.Variable.LongName)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	columns := make([]map[time.Time]float64, len(series))
	hourSet := make(map[time.Time]struct{})
	for i, s := range series {
		columns[i] = make(map[time.Time]float64, len(s.Series.Points))
		for _, p := range s.Series.Points {
			columns[i][p.Time] = p.Value
			hourSet[p.Time] = struct{}{}
		}
	}
	hours := make([]time.Time, 0, len(hourSet))
	for h := range hourSet {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	row := make([]string, len(header))
	for _, h := range hours {
		row[0] = h.UTC().Format(time.RFC3339)
		for i := range series {
			if v, ok := columns[i][h]; ok {
				row[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
			} else {
				row[i+1] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table next to path and renames it into place.
func WriteFile(path string, series []VariableSeries) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("assemble: create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("assemble: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = WriteTable(tmp, series); err != nil {
		tmp.Close()
		return fmt.Errorf("assemble: write table: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("assemble: chmod: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("assemble: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("assemble: close: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("assemble: rename: %w", err)
	}
	return nil
}
