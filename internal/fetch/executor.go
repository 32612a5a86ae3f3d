// Package fetch runs outstanding tasks against the archive with a bounded
// worker pool and writes every successful payload to the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"era5-downloader/internal/archive"
	"era5-downloader/internal/cache"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/metrics"
	"era5-downloader/internal/payload"
)

// ErrNoData is returned when a payload has no rows inside the task window.
var ErrNoData = errors.New("payload has no rows in window")

type Config struct {
	Workers        int           // default: 4
	MaxAttempts    int           // per task, including the first (default: 5)
	BaseBackoff    time.Duration // default: 2s
	MaxBackoff     time.Duration // default: 2m
	AttemptTimeout time.Duration // one archive job, submit to download (default: 2h)

	// OnResult is called from the worker goroutine as each task finishes.
	OnResult func(Result)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Hour
	}
	return c
}

// Result is the outcome of one task. On success Entry is the cached entry.
type Result struct {
	Task     era5.Task
	Key      cache.Key
	Entry    *cache.Entry
	Attempts int
	Err      error
}

type Executor struct {
	archive archive.Archive
	store   cache.Store
	cfg     Config
	logger  *zap.Logger
}

func New(a archive.Archive, store cache.Store, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		archive: a,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("fetch"),
	}
}

// Execute runs tasks and returns one result per task, in input order.
//
// Once ctx is canceled no further task starts and pending backoffs end, but
// attempts already talking to the archive run to completion on a detached
// context and cache what they get.
func (e *Executor) Execute(ctx context.Context, tasks []era5.Task) []Result {
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for i, t := range tasks {
		i, t := i, t
		if err := ctx.Err(); err != nil {
			results[i] = e.canceled(t, 0, err)
			continue
		}
		g.Go(func() error {
			results[i] = e.run(ctx, t)
			if e.cfg.OnResult != nil {
				e.cfg.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Executor) run(ctx context.Context, t era5.Task) Result {
	key := cache.BuildKey(t)
	log := e.logger.With(
		zap.String("cache_key", key.Label()),
		zap.Stringer("window", t.Window),
	)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.canceled(t, attempt-1, err)
		}

		entry, err := e.attempt(ctx, t, key)
		if err == nil {
			metrics.FetchAttemptsTotal.WithLabelValues("ok").Inc()
			log.Info("task fetched",
				zap.Int("attempt", attempt),
				zap.Time("covers_through", entry.CoversThrough),
				zap.Int64("bytes", entry.Size),
			)
			return Result{Task: t, Key: key, Entry: entry, Attempts: attempt}
		}

		lastErr = err
		metrics.FetchAttemptsTotal.WithLabelValues(outcome(err)).Inc()

		if !retryable(err) {
			log.Warn("task failed", zap.Int("attempt", attempt), zap.Error(err))
			return e.failed(t, key, attempt, err)
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		wait := archive.RetryAfter(err)
		if wait <= 0 {
			wait = archive.Backoff(e.cfg.BaseBackoff, e.cfg.MaxBackoff, attempt-1)
		}
		log.Info("transient failure, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.canceled(t, attempt, ctx.Err())
		case <-timer.C:
		}
	}

	log.Warn("task exhausted retries", zap.Int("attempts", e.cfg.MaxAttempts), zap.Error(lastErr))
	return e.failed(t, key, e.cfg.MaxAttempts, lastErr)
}

// attempt performs one retrieval and caches it. It never observes the
// caller's cancellation.
func (e *Executor) attempt(ctx context.Context, t era5.Task, key cache.Key) (*cache.Entry, error) {
	detached := context.WithoutCancel(ctx)
	actx, cancel := context.WithTimeout(detached, e.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.archive.Retrieve(actx, archive.Request{
		Variable: t.Variable,
		Location: t.Location,
		Window:   t.Window,
		Dataset:  t.Shape.Dataset,
	})
	metrics.FetchLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	cov, err := Coverage(res.Payload, t)
	if err != nil {
		return nil, err
	}

	entry, err := e.store.Put(detached, key, res.Payload, cov)
	if err != nil {
		return nil, &storeError{err: err}
	}
	return entry, nil
}

// Coverage decodes a payload and computes the hours it declares for t: its
// first through its last row inside the window. A payload that starts late
// therefore does not cover the window and is planned again. Rows without a
// value are dropped by the decoder and do not split the range.
func Coverage(data []byte, t era5.Task) (cache.Coverage, error) {
	points, err := payload.Decode(data, t.Variable)
	if errors.Is(err, payload.ErrEmpty) {
		return cache.Coverage{}, ErrNoData
	}
	if err != nil {
		return cache.Coverage{}, &decodeError{err: err}
	}

	var first, last time.Time
	for _, p := range points {
		if !t.Window.Contains(p.Time) {
			continue
		}
		if first.IsZero() {
			first = p.Time
		}
		last = p.Time
	}
	if last.IsZero() {
		return cache.Coverage{}, ErrNoData
	}
	return cache.Coverage{From: first, Through: last}, nil
}

// decodeError marks an unreadable payload; a fresh download may fix it.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode payload: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

type storeError struct{ err error }

func (e *storeError) Error() string { return "cache write: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// retryable: transient archive answers, an open breaker and unreadable
// payloads. Quota and rejections are final.
func retryable(err error) bool {
	var de *decodeError
	return errors.Is(err, era5.ErrTransient) ||
		archive.KindOf(err) == archive.KindUnavailable ||
		errors.As(err, &de)
}

func outcome(err error) string {
	var de *decodeError
	var se *storeError
	switch {
	case errors.Is(err, era5.ErrTransient):
		return "transient"
	case errors.Is(err, era5.ErrQuotaExceeded):
		return "quota"
	case errors.As(err, &de):
		return "decode"
	case errors.As(err, &se):
		return "cache"
	case archive.KindOf(err) == archive.KindUnavailable:
		return "unavailable"
	default:
		return "rejected"
	}
}

func (e *Executor) failed(t era5.Task, key cache.Key, attempts int, err error) Result {
	return Result{
		Task:     t,
		Key:      key,
		Attempts: attempts,
		Err: &era5.FetchError{
			Key:      key.String(),
			Variable: t.Variable.LongName,
			Window:   t.Window,
			Attempts: attempts,
			Err:      err,
		},
	}
}

func (e *Executor) canceled(t era5.Task, attempts int, err error) Result {
	key := cache.BuildKey(t)
	return e.failed(t, key, attempts, fmt.Errorf("canceled: %w", err))
}
