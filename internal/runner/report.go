package runner

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"era5-downloader/internal/era5"
)

type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	// StatusPending is used by offline runs for variables that still need fetching.
	StatusPending Status = "pending"
)

type VariableReport struct {
	Name         string
	Status       Status
	Hours        int
	MissingHours int
	Missing      []era5.Span
	// Failed counts the tasks of this variable that ended with a fetch error.
	Failed int
	// Pending counts tasks an offline run would have fetched.
	Pending int
	Err     error
}

// Report summarises one run.
type Report struct {
	RunID     string
	Location  era5.Location
	Window    era5.Span
	Offline   bool
	Output    string
	Variables []VariableReport

	Planned  int
	Fetched  int
	Failed   int
	Attempts int
	Bytes    int64
	Elapsed  time.Duration

	// Err is set when the run stopped early, e.g. on cancellation.
	Err error
}

// Complete reports whether every variable covers its window.
func (r *Report) Complete() bool {
	if r.Err != nil {
		return false
	}
	for _, v := range r.Variables {
		if v.Status != StatusComplete {
			return false
		}
	}
	return true
}

// ExitCode is 0 for a complete run and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Complete() {
		return 0
	}
	return 1
}

// WriteText prints a short human-readable summary.
func (r *Report) WriteText(w io.Writer) error {
	mode := "online"
	if r.Offline {
		mode = "offline"
	}
	fmt.Fprintf(w, "run %s (%s) at %s, window %s\n", r.RunID, mode, r.Location.Label(), r.Window)

	if r.Offline {
		fmt.Fprintf(w, "tasks to fetch: %s\n", humanize.Comma(int64(r.Planned)))
	} else {
		fmt.Fprintf(w, "tasks: %s planned, %s fetched, %s failed, %s attempts, %s downloaded in %s\n",
			humanize.Comma(int64(r.Planned)),
			humanize.Comma(int64(r.Fetched)),
			humanize.Comma(int64(r.Failed)),
			humanize.Comma(int64(r.Attempts)),
			humanize.Bytes(uint64(r.Bytes)),
			r.Elapsed.Round(time.Millisecond),
		)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIABLE\tSTATUS\tHOURS\tMISSING\tNOTE")
	for _, v := range r.Variables {
		note := ""
		switch {
		case v.Pending > 0:
			note = fmt.Sprintf("%d task(s) to fetch", v.Pending)
		case v.Failed > 0:
			note = fmt.Sprintf("%d task(s) failed", v.Failed)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.Name, v.Status, humanize.Comma(int64(v.Hours)), humanize.Comma(int64(v.MissingHours)), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.Output != "" {
		fmt.Fprintf(w, "table written to %s\n", r.Output)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "run stopped: %v\n", r.Err)
	}
	return nil
}
