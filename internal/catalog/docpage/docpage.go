// Package docpage extracts the ERA5 parameter tables from the CDS
// documentation page into a catalog file. It runs offline, ahead of any
// download, and is never used on the fetch path.
package docpage

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"era5-downloader/internal/catalog"
	"era5-downloader/internal/era5"
)

var (
	headingSel = "h1, h2, h3, h4"
	spaceRe    = regexp.MustCompile(`\s+`)
)

// ErrNoTables is returned when the page has no recognisable parameter table.
var ErrNoTables = errors.New("docpage: no parameter tables found")

// Parse reads the HTML page and returns one group per parameter table. A
// table qualifies when its header has a long-name column ("Variable name in
// CDS" or "name") and a "shortName" column.
func Parse(r io.Reader) (catalog.File, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return catalog.File{}, fmt.Errorf("docpage: parse html: %w", err)
	}

	var (
		file catalog.File
		seen = make(map[string]bool)
	)

	doc.Find("table").Each(func(i int, table *goquery.Selection) {
		nameCol, codeCol := headerColumns(table)
		if nameCol < 0 || codeCol < 0 {
			return
		}

		group := catalog.Group{Label: tableLabel(table, i)}
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() <= max(nameCol, codeCol) {
				return
			}
			long := normalise(cells.Eq(nameCol).Text())
			code := normalise(cells.Eq(codeCol).Text())
			if long == "" || code == "" || seen[long] {
				return
			}
			seen[long] = true
			group.Variables = append(group.Variables, era5.Variable{LongName: long, ShortCode: code})
		})

		if len(group.Variables) > 0 {
			file.Groups = append(file.Groups, group)
		}
	})

	if len(file.Groups) == 0 {
		return catalog.File{}, ErrNoTables
	}
	return file, nil
}

// headerColumns finds the long-name and short-code column indexes.
func headerColumns(table *goquery.Selection) (nameCol, codeCol int) {
	nameCol, codeCol = -1, -1
	header := table.Find("tr").First().Find("th")
	if header.Length() == 0 {
		header = table.Find("tr").First().Find("td")
	}
	header.Each(func(i int, cell *goquery.Selection) {
		text := strings.ToLower(normalise(cell.Text()))
		switch {
		case text == "shortname" || text == "short name":
			codeCol = i
		case strings.Contains(text, "variable name in cds"):
			nameCol = i
		case text == "name" && nameCol < 0:
			nameCol = i
		}
	})
	return nameCol, codeCol
}

// tableLabel uses the caption, else the closest preceding heading.
func tableLabel(table *goquery.Selection, idx int) string {
	if c := normalise(table.Find("caption").First().Text()); c != "" {
		return c
	}
	for s := table; s.Length() > 0; s = s.Parent() {
		if h := s.PrevAllFiltered(headingSel).First(); h.Length() > 0 {
			return normalise(h.Text())
		}
	}
	return fmt.Sprintf("Table %d", idx+1)
}

func normalise(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
