package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"era5-downloader/internal/metrics"
	"era5-downloader/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store) Store {
	return &LoggingStore{inner: inner}
}

// Unwrap returns the decorated store.
func (c *LoggingStore) Unwrap() Store { return c.inner }

func (c *LoggingStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	start := time.Now()
	e, ok, err := c.inner.Get(ctx, key)
	c.logLookup(ctx, "cache_get", key, e, ok, err, start)
	return e, ok, err
}

func (c *LoggingStore) Load(ctx context.Context, key Key) (*Entry, []byte, bool, error) {
	start := time.Now()
	e, payload, ok, err := c.inner.Load(ctx, key)
	c.logLookup(ctx, "cache_load", key, e, ok, err, start)
	return e, payload, ok, err
}

func (c *LoggingStore) Exists(ctx context.Context, key Key) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func (c *LoggingStore) Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error) {
	start := time.Now()
	e, err := c.inner.Put(ctx, key, payload, cov)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_key", key.Label()),
		zap.Int("bytes", len(payload)),
		zap.Time("covers_from", cov.From),
		zap.Time("covers_through", cov.Through),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_put", append(fields, zap.Error(err))...)
		return e, err
	}

	metrics.CacheWritesTotal.Inc()
	logger.Info("cache_put", fields...)
	return e, nil
}

func (c *LoggingStore) logLookup(ctx context.Context, op string, key Key, e *Entry, ok bool, err error, start time.Time) {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(result).Inc()

	fields := []zap.Field{
		zap.String("cache_key", key.Label()),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}
	if e != nil {
		fields = append(fields,
			zap.Time("retrieved_at", e.RetrievedAt),
			zap.Time("covers_through", e.CoversThrough),
		)
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error(op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug(op, fields...)
}
