// Package planner decides which (variable, year) pieces must be requested
// from the archive, given what the cache already holds.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"era5-downloader/internal/cache"
	"era5-downloader/internal/embargo"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/metrics"
)

const (
	// DefaultMaxItems is the archive's per-request item ceiling.
	DefaultMaxItems = 120_000
	// DefaultFreshFor is how long a short entry for the newest piece is trusted.
	DefaultFreshFor = 24 * time.Hour
)

// ErrEmptyWindow is returned when start is after the last available hour.
var ErrEmptyWindow = errors.New("empty time window")

type Config struct {
	DatasetStart time.Time
	MaxItems     int
	FreshFor     time.Duration
	Shape        era5.Shape
	Embargo      embargo.Clock
}

func (c Config) withDefaults() Config {
	if c.DatasetStart.IsZero() {
		c.DatasetStart = era5.DatasetStart
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.FreshFor <= 0 {
		c.FreshFor = DefaultFreshFor
	}
	if c.Shape.Dataset == "" {
		c.Shape.Dataset = "reanalysis-era5-single-levels-timeseries"
	}
	if c.Shape.Format == "" {
		c.Shape.Format = "csv"
	}
	if c.Embargo.Delay <= 0 {
		c.Embargo = embargo.New(embargo.DefaultDelay)
	}
	return c
}

type Planner struct {
	store  cache.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Planner)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func New(store cache.Store, cfg Config, logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Planner{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("planner"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Planner) Config() Config { return p.cfg }

// Window resolves the requested hours. A zero start means the dataset start;
// a zero end, or one inside the embargo, becomes the latest available hour.
// The result is half-open: [start, end+1h).
func (p *Planner) Window(start, end time.Time) (era5.Span, error) {
	latest := p.cfg.Embargo.LatestAvailable(p.now())

	start = start.UTC().Truncate(time.Hour)
	if start.Before(p.cfg.DatasetStart) {
		start = p.cfg.DatasetStart
	}
	if end.IsZero() || end.After(latest) {
		end = latest
	}
	end = end.UTC().Truncate(time.Hour)
	if end.Before(start) {
		return era5.Span{}, fmt.Errorf("%w: %s is after %s", ErrEmptyWindow,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return era5.Inclusive(start, end), nil
}

// Tasks enumerates every task covering the window, without consulting the
// cache. Each full calendar year is split to fit the item ceiling; keys come
// from the calendar piece and Window is the piece clipped to the request.
func (p *Planner) Tasks(vars []era5.Variable, loc era5.Location, start, end time.Time) ([]era5.Task, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("%w: no variables requested", era5.ErrUnknownVariable)
	}
	window, err := p.Window(start, end)
	if err != nil {
		return nil, err
	}

	loc = loc.Normalized()
	var tasks []era5.Task
	for _, v := range vars {
		for year := window.From.Year(); year <= window.Last().Year(); year++ {
			pieces, err := Split(era5.YearSpan(year), p.cfg.MaxItems)
			if err != nil {
				return nil, fmt.Errorf("%s %d: %w", v.LongName, year, err)
			}
			for _, piece := range pieces {
				clipped := piece.Intersect(window)
				if clipped.Empty() {
					continue
				}
				t := era5.Task{
					Variable: v,
					Year:     year,
					Location: loc,
					Shape:    p.cfg.Shape,
					Window:   clipped,
				}
				if len(pieces) > 1 {
					sub := piece
					t.SubRange = &sub
				}
				tasks = append(tasks, t)
			}
		}
	}
	return tasks, nil
}

// Reason explains a planning decision.
type Reason string

const (
	ReasonMissing    Reason = "missing"    // no usable entry
	ReasonIncomplete Reason = "incomplete" // entry short of the window, gate closed
	ReasonCached     Reason = "cached"     // entry covers the window
	ReasonFresh      Reason = "fresh"      // short entry for the newest piece, checked recently
)

// Decision is the planner's verdict on one task.
type Decision struct {
	Task  era5.Task
	Key   cache.Key
	Entry *cache.Entry
	Fetch bool
	// Adjacent marks the piece holding the last requested hour.
	Adjacent bool
	Reason   Reason
}

// Decide checks every task against the cache.
func (p *Planner) Decide(ctx context.Context, vars []era5.Variable, loc era5.Location, start, end time.Time) ([]Decision, error) {
	tasks, err := p.Tasks(vars, loc, start, end)
	if err != nil {
		return nil, err
	}
	window, err := p.Window(start, end)
	if err != nil {
		return nil, err
	}
	now := p.now()
	last := window.Last()

	out := make([]Decision, 0, len(tasks))
	for _, t := range tasks {
		key := cache.BuildKey(t)
		entry, ok, err := p.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("planner: cache lookup %s: %w", key.Label(), err)
		}

		d := Decision{Task: t, Key: key, Adjacent: t.Window.Contains(last)}
		if ok {
			d.Entry = entry
		}
		d.Reason = p.judge(d, now)
		d.Fetch = d.Reason == ReasonMissing || d.Reason == ReasonIncomplete
		out = append(out, d)
	}
	return out, nil
}

func (p *Planner) judge(d Decision, now time.Time) Reason {
	e := d.Entry
	switch {
	case e == nil:
		return ReasonMissing
	case e.Covers(d.Task.Window):
		return ReasonCached
	case d.Adjacent && p.gateOpen(e, d.Task.Window, now):
		return ReasonFresh
	default:
		return ReasonIncomplete
	}
}

// gateOpen: the entry starts at the window head, is short only at the tail,
// and was retrieved within FreshFor.
func (p *Planner) gateOpen(e *cache.Entry, w era5.Span, now time.Time) bool {
	if e.CoversFrom.After(w.From) {
		return false
	}
	return e.Age(now) < p.cfg.FreshFor
}

// Plan returns the tasks the cache cannot satisfy, in enumeration order.
// Two calls with no fetch in between return the same list.
func (p *Planner) Plan(ctx context.Context, vars []era5.Variable, loc era5.Location, start, end time.Time) ([]era5.Task, error) {
	decisions, err := p.Decide(ctx, vars, loc, start, end)
	if err != nil {
		return nil, err
	}

	var tasks []era5.Task
	counts := map[Reason]int{}
	for _, d := range decisions {
		counts[d.Reason]++
		if d.Fetch {
			tasks = append(tasks, d.Task)
		}
	}
	metrics.PlannedTasks.Set(float64(len(tasks)))

	p.logger.Info("plan ready",
		zap.Int("pieces", len(decisions)),
		zap.Int("fetch", len(tasks)),
		zap.Int("cached", counts[ReasonCached]),
		zap.Int("fresh", counts[ReasonFresh]),
		zap.Int("missing", counts[ReasonMissing]),
		zap.Int("incomplete", counts[ReasonIncomplete]),
	)
	return tasks, nil
}
