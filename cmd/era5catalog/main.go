// Command era5catalog turns the ERA5 parameter documentation page into the
// catalog JSON embedded by era5dl.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"era5-downloader/internal/archive"
	"era5-downloader/internal/catalog"
	"era5-downloader/internal/catalog/docpage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "era5catalog:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		output  string
		dataset string
	)

	cmd := &cobra.Command{
		Use:   "era5catalog [flags] PAGE",
		Short: "Build the variable catalog from the ERA5 documentation page",
		Long: "PAGE is a saved HTML file or an http(s) URL of the ERA5 data documentation\n" +
			"page. Every table with a long-name and a shortName column becomes a group.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			file, err := docpage.Parse(rc)
			if err != nil {
				return err
			}
			file.Dataset = dataset

			cat, err := catalog.New(file.Groups)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return writeJSON(cmd.OutOrStdout(), file)
			}
			if err := writeFile(output, file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d variables in %d groups to %s\n",
				len(cat.List()), len(cat.Groups()), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "catalog file to write")
	cmd.Flags().StringVar(&dataset, "dataset", archive.DefaultDataset, "dataset recorded in the catalog")
	return cmd
}

func open(ctx context.Context, src string) (io.ReadCloser, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.Open(src)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch %s: %s", src, resp.Status)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func writeJSON(w io.Writer, file catalog.File) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(file)
}

func writeFile(path string, file catalog.File) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSON(f, file); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
