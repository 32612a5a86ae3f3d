// Package runner drives one download: plan, fetch, assemble, write the table
// and report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"era5-downloader/internal/archive"
	"era5-downloader/internal/assemble"
	"era5-downloader/internal/cache"
	"era5-downloader/internal/catalog"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/fetch"
	"era5-downloader/internal/planner"
	"era5-downloader/pkg/logging/logging"
)

// Options wires the runner. Archive may be nil for offline-only use.
type Options struct {
	Catalog  *catalog.Catalog
	Store    cache.Store
	Archive  archive.Archive
	Planner  planner.Config
	Fetch    fetch.Config
	Progress *Progress

	// Stdout receives the table when Request.Output is "-".
	Stdout io.Writer
	// Now overrides the wall clock for planning.
	Now func() time.Time
}

// Request is one invocation.
type Request struct {
	Variables  []string
	Location   era5.Location
	Start, End time.Time // zero Start: dataset start; zero End: latest available
	// Output is the table path, "-" for Stdout, or empty to skip writing.
	Output  string
	Offline bool
}

type Runner struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) (*Runner, error) {
	if opts.Catalog == nil {
		return nil, errors.New("runner: catalog is required")
	}
	if opts.Store == nil {
		return nil, errors.New("runner: cache store is required")
	}
	if opts.Progress == nil {
		opts.Progress = NewProgress()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{opts: opts, logger: logger}, nil
}

// Progress is the live counter set served on /status.
func (r *Runner) Progress() *Progress { return r.opts.Progress }

// Run executes req. The error return is for bad input and failures that
// leave nothing to report (unusable cache, unwritable output). Missing data
// and failed tasks are described by the report; a canceled run returns a
// report with Err set.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if !req.Offline && r.opts.Archive == nil {
		return nil, errors.New("runner: no archive configured for an online run")
	}
	vars, err := r.opts.Catalog.LookupAll(req.Variables)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("%w: no variables requested", era5.ErrUnknownVariable)
	}
	if err := req.Location.Validate(); err != nil {
		return nil, err
	}
	loc := req.Location.Normalized()

	runID := uuid.NewString()
	logger := r.logger.With(
		zap.String("run_id", runID),
		zap.String("location", loc.Label()),
	)
	ctx = logging.WithLogger(ctx, logger)

	started := time.Now()
	progress := r.opts.Progress
	progress.start(runID, r.opts.Now().UTC())
	defer progress.setPhase(PhaseDone)

	pl := planner.New(r.opts.Store, r.opts.Planner, logger, planner.WithClock(r.opts.Now))
	window, err := pl.Window(req.Start, req.End)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:    runID,
		Location: loc,
		Window:   window,
		Offline:  req.Offline,
	}
	logger.Info("run started",
		zap.Strings("variables", req.Variables),
		zap.Stringer("window", window),
		zap.Bool("offline", req.Offline),
	)

	pending := map[string]int{}
	failures := map[string][]error{}

	if req.Offline {
		decisions, err := pl.Decide(ctx, vars, loc, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		for _, d := range decisions {
			if d.Fetch {
				pending[d.Task.Variable.LongName]++
				report.Planned++
			}
		}
		progress.planned.Store(int64(report.Planned))
	} else {
		tasks, err := pl.Plan(ctx, vars, loc, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		report.Planned = len(tasks)
		progress.planned.Store(int64(len(tasks)))
		progress.setPhase(PhaseFetching)

		for _, res := range r.fetch(ctx, logger, tasks) {
			report.Attempts += res.Attempts
			if res.Err != nil {
				report.Failed++
				name := res.Task.Variable.LongName
				failures[name] = append(failures[name], res.Err)
				continue
			}
			report.Fetched++
			if res.Entry != nil {
				report.Bytes += res.Entry.Size
			}
		}
	}

	if err := ctx.Err(); err != nil {
		report.Err = err
		report.Elapsed = time.Since(started)
		for _, v := range vars {
			report.Variables = append(report.Variables, VariableReport{
				Name:   v.LongName,
				Status: StatusIncomplete,
				Failed: len(failures[v.LongName]),
				Err:    err,
			})
		}
		logger.Warn("run canceled", zap.Error(err))
		return report, nil
	}

	progress.setPhase(PhaseAssembly)
	asm := assemble.New(pl, r.opts.Store, logger)
	series, err := asm.Assemble(ctx, vars, loc, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	for _, s := range series {
		name := s.Variable.LongName
		vr := VariableReport{
			Name:    name,
			Hours:   len(s.Series.Points),
			Failed:  len(failures[name]),
			Pending: pending[name],
			Status:  StatusComplete,
		}
		var ise *era5.IncompleteSeriesError
		if errors.As(s.Err, &ise) {
			vr.Missing = ise.Missing
			vr.MissingHours = ise.MissingHours()
		}
		switch {
		case vr.Pending > 0:
			vr.Status = StatusPending
		case s.Err != nil:
			vr.Status = StatusIncomplete
		}
		vr.Err = errors.Join(append([]error{s.Err}, failures[name]...)...)
		report.Variables = append(report.Variables, vr)
	}

	if !req.Offline && req.Output != "" {
		if err := r.write(req.Output, series); err != nil {
			return nil, err
		}
		report.Output = req.Output
	}

	report.Elapsed = time.Since(started)
	logger.Info("run finished",
		zap.Int("planned", report.Planned),
		zap.Int("fetched", report.Fetched),
		zap.Int("failed", report.Failed),
		zap.Int64("bytes", report.Bytes),
		zap.Bool("complete", report.Complete()),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (r *Runner) fetch(ctx context.Context, logger *zap.Logger, tasks []era5.Task) []fetch.Result {
	if len(tasks) == 0 {
		return nil
	}
	cfg := r.opts.Fetch
	next := cfg.OnResult
	cfg.OnResult = func(res fetch.Result) {
		r.opts.Progress.record(res)
		if next != nil {
			next(res)
		}
	}
	return fetch.New(r.opts.Archive, r.opts.Store, cfg, logger).Execute(ctx, tasks)
}

func (r *Runner) write(output string, series []assemble.VariableSeries) error {
	if output == "-" {
		return assemble.WriteTable(r.opts.Stdout, series)
	}
	return assemble.WriteFile(output, series)
}
