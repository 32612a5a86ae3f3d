package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"era5-downloader/internal/metrics"
	"era5-downloader/pkg/logging/logging"
)

func TestLoggingStore(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	s := NewLoggingStore(NewMemoryStore())
	key := BuildKey(yearTask(2020))

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(ctx, key, []byte("v"), Coverage{From: hour(2020, 1, 1, 0), Through: hour(2020, 12, 31, 23)})
	require.NoError(t, err)

	_, _, ok, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	results := []string{}
	for _, e := range logs.FilterMessageSnippet("cache_").All() {
		if r, ok := e.ContextMap()["cache_result"]; ok {
			results = append(results, r.(string))
		}
	}
	assert.Equal(t, []string{"miss", "hit"}, results)
	assert.Equal(t, 1, logs.FilterMessage("cache_put").Len())
}

func corruptCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.CacheCorruptTotal.Write(&m))
	return m.GetCounter().GetValue()
}

func TestLoggingStore_CorruptRecordIsCountedMiss(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	root := t.TempDir()
	fsStore, err := NewFSStore(root, WithLogger(zap.New(core)))
	require.NoError(t, err)
	s := NewLoggingStore(fsStore)
	key := BuildKey(yearTask(2021))

	e, err := s.Put(ctx, key, []byte("payload"), Coverage{From: hour(2021, 1, 1, 0), Through: hour(2021, 12, 31, 23)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(e.PayloadRef)), []byte("junk"), 0o644))

	before := corruptCount(t)
	_, _, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before+1, corruptCount(t))

	warn := logs.FilterMessage("cache entry unusable, treating as miss").All()
	require.Len(t, warn, 1)
	assert.Equal(t, "verify payload", warn[0].ContextMap()["stage"])
	load := logs.FilterMessage("cache_load").All()
	require.Len(t, load, 1)
	assert.Equal(t, "miss", load[0].ContextMap()["cache_result"])
}
