package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"era5-downloader/internal/era5"
)

var (
	t2m   = era5.Variable{LongName: "2m_temperature", ShortCode: "t2m"}
	paris = era5.Location{Lat: 48.8566, Lon: 2.3522}
	shape = era5.Shape{Dataset: "reanalysis-era5-single-levels-timeseries", Format: "csv"}
)

func yearTask(year int) era5.Task {
	return era5.Task{
		Variable: t2m,
		Year:     year,
		Location: paris,
		Shape:    shape,
		Window:   era5.YearSpan(year),
	}
}

func hour(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

// backends returns one constructor per Store implementation.
func backends(t *testing.T) map[string]func(opts ...Option) Store {
	t.Helper()
	return map[string]func(opts ...Option) Store{
		"fs": func(opts ...Option) Store {
			s, err := NewFSStore(t.TempDir(), opts...)
			require.NoError(t, err)
			return s
		},
		"memory": func(opts ...Option) Store {
			return NewMemoryStore(opts...)
		},
		"sqlite": func(opts ...Option) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(opts ...Option) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, RedisConfig{Prefix: "test"}, opts...)
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range backends(t) {
		name, newStore := name, newStore
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{t: hour(2025, time.March, 1, 12)}
			s := newStore(WithClock(clock.now))
			ctx := context.Background()
			key := BuildKey(yearTask(2020))

			_, ok, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "empty store must miss")

			payload := []byte("valid_time,t2m\n2020-01-01 00:00:00,271.5\n")
			cov := Coverage{From: hour(2020, 1, 1, 0), Through: hour(2020, 12, 31, 23)}
			put, err := s.Put(ctx, key, payload, cov)
			require.NoError(t, err)
			assert.Equal(t, key.String(), put.Key)
			assert.Equal(t, clock.t, put.RetrievedAt)

			e, got, ok, err := s.Load(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, payload, got)
			assert.Equal(t, cov.From, e.CoversFrom)
			assert.Equal(t, cov.Through, e.CoversThrough)
			assert.True(t, e.Covers(era5.YearSpan(2020)))

			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, exists)

			other, err := s.Exists(ctx, BuildKey(yearTask(2021)))
			require.NoError(t, err)
			assert.False(t, other)
		})
	}
}

func TestStore_PutSupersedes(t *testing.T) {
	for name, newStore := range backends(t) {
		name, newStore := name, newStore
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{t: hour(2025, time.March, 1, 0)}
			s := newStore(WithClock(clock.now))
			ctx := context.Background()
			key := BuildKey(yearTask(2025))

			_, err := s.Put(ctx, key, []byte("old"), Coverage{From: hour(2025, 1, 1, 0), Through: hour(2025, 2, 20, 23)})
			require.NoError(t, err)

			clock.t = clock.t.Add(48 * time.Hour)
			_, err = s.Put(ctx, key, []byte("newer"), Coverage{From: hour(2025, 1, 1, 0), Through: hour(2025, 2, 22, 23)})
			require.NoError(t, err)

			e, got, ok, err := s.Load(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "newer", string(got))
			assert.Equal(t, hour(2025, 2, 22, 23), e.CoversThrough)
			assert.Equal(t, clock.t, e.RetrievedAt)
		})
	}
}

func TestFSStore_CorruptPayloadIsMiss(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	ctx := context.Background()
	key := BuildKey(yearTask(2019))

	e, err := s.Put(ctx, key, []byte("payload"), Coverage{From: hour(2019, 1, 1, 0), Through: hour(2019, 12, 31, 23)})
	require.NoError(t, err)

	path := filepath.Join(root, filepath.FromSlash(e.PayloadRef))
	require.NoError(t, os.WriteFile(path, []byte("truncat"), 0o644))

	_, _, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "checksum mismatch must read as a miss")

	// a fresh write repairs the entry
	_, err = s.Put(ctx, key, []byte("payload"), Coverage{From: hour(2019, 1, 1, 0), Through: hour(2019, 12, 31, 23)})
	require.NoError(t, err)
	_, got, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))
}

func TestFSStore_GarbageIndexIsMiss(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	key := BuildKey(yearTask(2018))

	require.NoError(t, os.MkdirAll(filepath.Dir(s.indexPath(key)), 0o755))
	require.NoError(t, os.WriteFile(s.indexPath(key), []byte("{not json"), 0o644))

	_, ok, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSStore_SurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	key := BuildKey(yearTask(2001))

	first, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = first.Put(ctx, key, []byte("x"), Coverage{From: hour(2001, 1, 1, 0), Through: hour(2001, 12, 31, 23)})
	require.NoError(t, err)

	second, err := NewFSStore(root)
	require.NoError(t, err)
	_, got, ok, err := second.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", string(got))

	// superseded payloads are cleaned up: one index plus one payload
	_, err = second.Put(ctx, key, []byte("y"), Coverage{From: hour(2001, 1, 1, 0), Through: hour(2001, 12, 31, 23)})
	require.NoError(t, err)
	files, err := os.ReadDir(filepath.Dir(second.indexPath(key)))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestMemoryStore_CopiesPayload(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := BuildKey(yearTask(2010))

	buf := []byte("abc")
	_, err := s.Put(ctx, key, buf, Coverage{From: hour(2010, 1, 1, 0), Through: hour(2010, 12, 31, 23)})
	require.NoError(t, err)
	buf[0] = 'z'

	_, got, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, 1, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestRedisStore_MissingPayloadIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, RedisConfig{Prefix: "era5"})
	ctx := context.Background()
	key := BuildKey(yearTask(2015))

	e, err := s.Put(ctx, key, []byte("data"), Coverage{From: hour(2015, 1, 1, 0), Through: hour(2015, 12, 31, 23)})
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	mr.Del(e.PayloadRef)

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ServerDownIsError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	s := NewRedisStore(client, RedisConfig{})
	mr.Close()

	_, _, err := s.Get(context.Background(), BuildKey(yearTask(2015)))
	assert.Error(t, err)
}

func TestNew_Backends(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Backend: "fs", Dir: dir}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	s, err = New(Config{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(Config{Backend: "sqlite", Dir: dir}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	_ = s.(*SQLiteStore).Close()

	_, err = New(Config{Backend: "redis"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "s3"}, nil)
	assert.Error(t, err)
}
