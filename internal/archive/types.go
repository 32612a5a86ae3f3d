package archive

import (
	"context"
	"errors"
	"fmt"

	"era5-downloader/internal/era5"
)

// Request asks for one variable at one point over a window of whole days.
type Request struct {
	Variable era5.Variable
	Location era5.Location
	Window   era5.Span
	// Dataset overrides the client's dataset when set.
	Dataset string
}

func (r *Request) Validate() error {
	if r.Variable.LongName == "" {
		return errors.New("variable is required")
	}
	if err := r.Location.Validate(); err != nil {
		return err
	}
	if r.Window.Empty() {
		return fmt.Errorf("empty window %s", r.Window)
	}
	return nil
}

// Dates renders the window as the archive's inclusive day range.
func (r *Request) Dates() string {
	return r.Window.From.UTC().Format(dateLayout) + "/" + r.Window.Last().UTC().Format(dateLayout)
}

const dateLayout = "2006-01-02"

// Result is a downloaded payload.
type Result struct {
	JobID   string
	Payload []byte
}

// Archive retrieves point time series. Implemented by *Client and the
// rate-limit and circuit-breaker decorators.
type Archive interface {
	Retrieve(ctx context.Context, req Request) (*Result, error)
}
