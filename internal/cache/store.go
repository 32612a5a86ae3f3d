package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"era5-downloader/internal/era5"
	"era5-downloader/internal/metrics"
)

// Coverage is the hourly range a payload declares: first and last hour, inclusive.
type Coverage struct {
	From    time.Time
	Through time.Time
}

// Entry is the metadata recorded for one cached payload.
type Entry struct {
	Key           string    `json:"key"`
	Label         string    `json:"label"`
	RetrievedAt   time.Time `json:"retrieved_at"`
	CoversFrom    time.Time `json:"covers_from"`
	CoversThrough time.Time `json:"covers_through"`
	PayloadRef    string    `json:"payload_ref"`
	Checksum      string    `json:"sha256"`
	Size          int64     `json:"size"`
}

// Covers reports whether every hour of s falls inside the entry's declared coverage.
func (e *Entry) Covers(s era5.Span) bool {
	if s.Empty() {
		return true
	}
	return !e.CoversFrom.After(s.From) && !e.CoversThrough.Before(s.Last())
}

// Declares reports whether hour t lies in the declared coverage.
func (e *Entry) Declares(t time.Time) bool {
	return !t.Before(e.CoversFrom) && !t.After(e.CoversThrough)
}

// Age is the time since the entry was retrieved.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.RetrievedAt)
}

// Store is the cache interface used by the planner, fetcher and assembler.
// Implemented by the filesystem (default), SQLite, Redis and memory backends.
//
// A corrupt or partial record is reported as a miss, never as an error;
// errors are reserved for the backend itself being unusable.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error)
	Exists(ctx context.Context, key Key) (bool, error)
	Load(ctx context.Context, key Key) (*Entry, []byte, bool, error)
}

// Option tunes a backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// WithClock overrides the clock used to stamp RetrievedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used to report corrupt records.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// corrupt reports a record that will be served as a miss.
func (o options) corrupt(key Key, stage string, err error) {
	metrics.CacheCorruptTotal.Inc()
	o.logger.Warn("cache entry unusable, treating as miss",
		zap.String("key", key.String()),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newEntry(key Key, payload []byte, cov Coverage, now time.Time) *Entry {
	return &Entry{
		Key:           key.String(),
		Label:         key.Label(),
		RetrievedAt:   now.UTC(),
		CoversFrom:    cov.From.UTC(),
		CoversThrough: cov.Through.UTC(),
		Checksum:      checksum(payload),
		Size:          int64(len(payload)),
	}
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// verify checks an entry against its key and payload.
func verify(e *Entry, key Key, payload []byte) error {
	switch {
	case e.Key != key.String():
		return era5.ErrCacheCorruption
	case int64(len(payload)) != e.Size:
		return era5.ErrCacheCorruption
	case checksum(payload) != e.Checksum:
		return era5.ErrCacheCorruption
	}
	return nil
}
