// Package catalog resolves CDS long variable names to their short codes.
//
// The table is prepared offline (see cmd/era5catalog) and embedded in the
// binary; a different table can be loaded from disk at startup.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"era5-downloader/internal/era5"
)

//go:embed era5_single_levels.json
var defaultTable []byte

// File is the on-disk JSON layout.
type File struct {
	Dataset string  `json:"dataset,omitempty"`
	Groups  []Group `json:"groups"`
}

// Group is a labelled set of variables, as listed by --list-variables.
type Group struct {
	Label     string          `json:"label"`
	Variables []era5.Variable `json:"variables"`
}

// Catalog is an immutable lookup table.
type Catalog struct {
	groups []Group
	all    []era5.Variable
	byName map[string]era5.Variable
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultTable))
}

// LoadFile reads a catalog from a JSON file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and indexes a catalog, rejecting duplicate long names.
func Parse(r io.Reader) (*Catalog, error) {
	var file File
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(file.Groups)
}

// New builds a catalog from groups.
func New(groups []Group) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]era5.Variable)}
	for _, g := range groups {
		for _, v := range g.Variables {
			v.LongName = strings.TrimSpace(v.LongName)
			v.ShortCode = strings.TrimSpace(v.ShortCode)
			if v.LongName == "" || v.ShortCode == "" {
				return nil, fmt.Errorf("catalog: group %q has an entry with an empty name or code", g.Label)
			}
			if _, dup := c.byName[v.LongName]; dup {
				return nil, fmt.Errorf("catalog: duplicate variable %q", v.LongName)
			}
			c.byName[v.LongName] = v
			c.all = append(c.all, v)
		}
		c.groups = append(c.groups, g)
	}
	if len(c.all) == 0 {
		return nil, errors.New("catalog: no variables")
	}
	return c, nil
}

// Lookup returns the variable for a long name.
func (c *Catalog) Lookup(longName string) (era5.Variable, error) {
	v, ok := c.byName[strings.TrimSpace(longName)]
	if !ok {
		return era5.Variable{}, fmt.Errorf("%w: %q", era5.ErrUnknownVariable, longName)
	}
	return v, nil
}

// Resolve returns the short code for a long name.
func (c *Catalog) Resolve(longName string) (string, error) {
	v, err := c.Lookup(longName)
	if err != nil {
		return "", err
	}
	return v.ShortCode, nil
}

// LookupAll resolves every name, failing on the first unknown one.
func (c *Catalog) LookupAll(names []string) ([]era5.Variable, error) {
	out := make([]era5.Variable, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		v, err := c.Lookup(n)
		if err != nil {
			return nil, err
		}
		if seen[v.LongName] {
			continue
		}
		seen[v.LongName] = true
		out = append(out, v)
	}
	return out, nil
}

// List returns every variable in table order.
func (c *Catalog) List() []era5.Variable {
	out := make([]era5.Variable, len(c.all))
	copy(out, c.all)
	return out
}

// Groups returns the labelled groups in table order.
func (c *Catalog) Groups() []Group {
	out := make([]Group, len(c.groups))
	copy(out, c.groups)
	return out
}

// WriteList prints groups the way --list-variables shows them.
func (c *Catalog) WriteList(w io.Writer) error {
	for _, g := range c.groups {
		if _, err := fmt.Fprintln(w, g.Label); err != nil {
			return err
		}
		for _, v := range g.Variables {
			if _, err := fmt.Fprintf(w, "\t%-60s %s\n", v.LongName, v.ShortCode); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
