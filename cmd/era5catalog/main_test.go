package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"era5-downloader/internal/catalog"
)

const page = `<html><body>
<h3>Table 1: surface and single level parameters: instantaneous</h3>
<table>
<tr><th>Count</th><th>name</th><th>units</th><th>Variable name in CDS</th><th>shortName</th></tr>
<tr><td>1</td><td>2 metre temperature</td><td>K</td><td>2m_temperature</td><td>2t</td></tr>
<tr><td>2</td><td>Surface pressure</td><td>Pa</td><td>surface_pressure</td><td>sp</td></tr>
</table>
</body></html>`

func TestGenerateFromFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "page.html")
	out := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(in, []byte(page), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCommand()
	cmd.SetArgs([]string{"-o", out, in})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cat, err := catalog.LoadFile(out)
	if err != nil {
		t.Fatalf("load generated catalog: %v", err)
	}
	code, err := cat.Resolve("surface_pressure")
	if err != nil || code != "sp" {
		t.Fatalf("Resolve(surface_pressure) = %q, %v", code, err)
	}
}

func TestGenerateFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{srv.URL})
	cmd.SetOut(&stdout)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cat, err := catalog.Parse(&stdout)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if _, err := cat.Lookup("2m_temperature"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestMissingPage(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.html")})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for a missing page")
	}
}
