// Package assemble merges cached chunks into one hourly series per variable
// and writes the output table.
package assemble

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"era5-downloader/internal/cache"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/payload"
	"era5-downloader/internal/planner"
)

// VariableSeries is the assembled result for one variable. Err is an
// *era5.IncompleteSeriesError when hours are missing; Series still holds
// what was found.
type VariableSeries struct {
	Variable era5.Variable
	Series   era5.TimeSeries
	// Horizon is the last hour the series was required to reach.
	Horizon time.Time
	Err     error
}

type Assembler struct {
	planner *planner.Planner
	store   cache.Store
	logger  *zap.Logger
}

func New(p *planner.Planner, store cache.Store, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{planner: p, store: store, logger: logger.Named("assemble")}
}

// chunk is one decoded cache entry. order follows task enumeration, so a
// larger order is a later piece of the year sequence.
type chunk struct {
	entry  *cache.Entry
	points []era5.Point
	order  int
}

// Assemble reads every piece of the window from the cache. The returned
// error is reserved for bad input and an unusable cache; missing data is
// reported per variable.
func (a *Assembler) Assemble(ctx context.Context, vars []era5.Variable, loc era5.Location, start, end time.Time) ([]VariableSeries, error) {
	window, err := a.planner.Window(start, end)
	if err != nil {
		return nil, err
	}
	decisions, err := a.planner.Decide(ctx, vars, loc, start, end)
	if err != nil {
		return nil, err
	}

	byVar := make(map[string][]planner.Decision, len(vars))
	for _, d := range decisions {
		byVar[d.Task.Variable.LongName] = append(byVar[d.Task.Variable.LongName], d)
	}

	out := make([]VariableSeries, 0, len(vars))
	for _, v := range vars {
		vs, err := a.assembleOne(ctx, v, window, byVar[v.LongName])
		if err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, nil
}

func (a *Assembler) assembleOne(ctx context.Context, v era5.Variable, window era5.Span, decisions []planner.Decision) (VariableSeries, error) {
	vs := VariableSeries{Variable: v, Series: era5.TimeSeries{Variable: v}, Horizon: window.Last()}

	chunks := make([]chunk, 0, len(decisions))
	for i, d := range decisions {
		entry, data, ok, err := a.store.Load(ctx, d.Key)
		if err != nil {
			return vs, fmt.Errorf("assemble: load %s: %w", d.Key.Label(), err)
		}
		if !ok {
			continue
		}
		points, err := payload.Decode(data, v)
		if err != nil {
			a.logger.Warn("cached payload unreadable, treating as missing",
				zap.String("cache_key", d.Key.Label()),
				zap.Error(err),
			)
			continue
		}
		chunks = append(chunks, chunk{entry: entry, points: points, order: i})

		// the newest piece may legitimately stop short while its gate is open
		if d.Adjacent && d.Reason == planner.ReasonFresh && entry.CoversThrough.Before(vs.Horizon) {
			vs.Horizon = entry.CoversThrough
		}
	}

	vs.Series.Points = clip(merge(chunks), window)

	if missing := gaps(vs.Series.Points, window.From, vs.Horizon); len(missing) > 0 {
		ise := &era5.IncompleteSeriesError{Variable: v.LongName, Missing: missing}
		a.logger.Warn("series incomplete",
			zap.String("variable", v.LongName),
			zap.Int("missing_hours", ise.MissingHours()),
		)
		vs.Err = ise
	}
	return vs, nil
}

type candidate struct {
	value     float64
	declared  bool
	retrieved time.Time
	order     int
}

// beats ranks candidates for the same hour: a chunk that declares the hour,
// then the most recently retrieved chunk, then the later chunk.
func (c candidate) beats(o candidate) bool {
	if c.declared != o.declared {
		return c.declared
	}
	if !c.retrieved.Equal(o.retrieved) {
		return c.retrieved.After(o.retrieved)
	}
	return c.order > o.order
}

func merge(chunks []chunk) []era5.Point {
	best := make(map[time.Time]candidate)
	for _, ch := range chunks {
		for _, p := range ch.points {
			c := candidate{
				value:     p.Value,
				declared:  ch.entry.Declares(p.Time),
				retrieved: ch.entry.RetrievedAt,
				order:     ch.order,
			}
			if cur, ok := best[p.Time]; !ok || c.beats(cur) {
				best[p.Time] = c
			}
		}
	}

	points := make([]era5.Point, 0, len(best))
	for t, c := range best {
		points = append(points, era5.Point{Time: t, Value: c.value})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points
}

func clip(points []era5.Point, window era5.Span) []era5.Point {
	out := points[:0]
	for _, p := range points {
		if window.Contains(p.Time) {
			out = append(out, p)
		}
	}
	return out
}

// gaps lists the hours in [from, through] with no point. points are sorted.
func gaps(points []era5.Point, from, through time.Time) []era5.Span {
	var missing []time.Time
	i := 0
	for h := from; !h.After(through); h = h.Add(time.Hour) {
		for i < len(points) && points[i].Time.Before(h) {
			i++
		}
		if i < len(points) && points[i].Time.Equal(h) {
			continue
		}
		missing = append(missing, h)
	}
	return era5.CoalesceHours(missing)
}
