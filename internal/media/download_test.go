package media_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/diskcache"
	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
	"gitlab.com/mwoffliner/mwoffliner/internal/media"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// memStore is an in-memory stand-in for the KVStore adapter, sufficient for the media
// pipeline's width-dedup coordination.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: map[string]map[string]string{}}
}

func (s *memStore) DB(suffix string) string { return "test" + suffix }

func (s *memStore) HSet(_ context.Context, db, field string, value interface{}) errors.E {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[db] == nil {
		s.data[db] = map[string]string{}
	}
	s.data[db][field] = fmt.Sprint(value)
	return nil
}

func (s *memStore) HGet(_ context.Context, db, field string) (string, bool, errors.E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[db][field]
	return value, ok, nil
}

func (s *memStore) HDel(_ context.Context, db, field string) errors.E {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[db], field)
	return nil
}

type pipelineFixture struct {
	pipeline  *media.Pipeline
	store     *memStore
	mediaDir  string
	requests  *int64
	optimized *[]string
	serverURL string
}

func newPipelineFixture(t *testing.T, cacheRoot string) *pipelineFixture {
	t.Helper()

	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&requests, 1)
		_, _ = w.Write([]byte("imagebytes"))
	}))
	t.Cleanup(server.Close)

	httpClient, errE := fetcher.New(fetcher.Config{AdminEmail: "admin@example.org", RequestTimeout: 5 * time.Second}, zerolog.Nop())
	require.NoError(t, errE)
	t.Cleanup(func() { fetcher.Close(httpClient) })

	cache, errE := diskcache.Open(cacheRoot)
	require.NoError(t, errE)

	widthCache, err := wikipedia.NewCache(128)
	require.NoError(t, err)

	mediaDir := t.TempDir()
	optimized := &[]string{}
	var optimizedMu sync.Mutex

	store := newMemStore()
	pipeline := &media.Pipeline{
		HTTPClient: httpClient,
		KVStore:    store,
		DiskCache:  cache,
		Logger:     zerolog.Nop(),
		MediaDir:   mediaDir,
		WidthCache: widthCache,
		Optimize: func(path string) {
			optimizedMu.Lock()
			defer optimizedMu.Unlock()
			*optimized = append(*optimized, path)
		},
	}

	return &pipelineFixture{
		pipeline:  pipeline,
		store:     store,
		mediaDir:  mediaDir,
		requests:  &requests,
		optimized: optimized,
		serverURL: server.URL,
	}
}

func (f *pipelineFixture) url(path string) string {
	return f.serverURL + path
}

func TestPipelineWidthDedup(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, t.TempDir())
	f.pipeline.Start(context.Background(), 1)

	// The larger width downloads; the smaller request afterwards performs no HTTP at all.
	require.NoError(t, f.pipeline.Enqueue(f.url("/commons/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg")))
	f.pipeline.Drain()
	require.NoError(t, f.pipeline.Enqueue(f.url("/commons/Tour_Eiffel.jpg/120px-Tour_Eiffel.jpg")))
	f.pipeline.Drain()
	require.NoError(t, f.pipeline.Close())

	assert.Equal(t, int64(1), atomic.LoadInt64(f.requests))

	outputPath := filepath.Join(f.mediaDir, "Tour_Eiffel.jpg")
	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "imagebytes", string(data))

	assert.Equal(t, []string{outputPath}, *f.optimized)

	width, ok, errE := f.store.HGet(context.Background(), f.store.DB("m"), "Tour_Eiffel.jpg")
	require.NoError(t, errE)
	require.True(t, ok)
	assert.Equal(t, "300", width)
}

func TestPipelineCacheHitAcrossRuns(t *testing.T) {
	t.Parallel()

	cacheRoot := t.TempDir()

	first := newPipelineFixture(t, cacheRoot)
	first.pipeline.Start(context.Background(), 1)
	require.NoError(t, first.pipeline.Enqueue(first.url("/commons/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg")))
	first.pipeline.Drain()
	require.NoError(t, first.pipeline.Close())
	require.Equal(t, int64(1), atomic.LoadInt64(first.requests))

	// A second run (fresh KVStore and width cache, same disk cache) requesting a smaller width
	// reuses the cached body without fetching, and records the entry for a width check.
	second := newPipelineFixture(t, cacheRoot)
	second.pipeline.Start(context.Background(), 1)
	require.NoError(t, second.pipeline.Enqueue(first.url("/commons/Tour_Eiffel.jpg/120px-Tour_Eiffel.jpg")))
	second.pipeline.Drain()
	require.NoError(t, second.pipeline.Close())

	assert.Equal(t, int64(0), atomic.LoadInt64(second.requests))
	assert.Equal(t, int64(1), atomic.LoadInt64(first.requests))

	data, err := os.ReadFile(filepath.Join(second.mediaDir, "Tour_Eiffel.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "imagebytes", string(data))

	// Cached width (300) exceeds the requested width (120): marked for a later check.
	_, ok, errE := second.store.HGet(context.Background(), second.store.DB("c"), "Tour_Eiffel.jpg")
	require.NoError(t, errE)
	assert.True(t, ok)

	// Nothing new was enqueued for optimization on a pure cache hit.
	assert.Empty(t, *second.optimized)
}

func TestPipelineWidthUpgradeRefetches(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, t.TempDir())
	f.pipeline.Start(context.Background(), 1)

	// A later, larger request must not be served by the smaller cached body.
	require.NoError(t, f.pipeline.Enqueue(f.url("/commons/Tour_Eiffel.jpg/120px-Tour_Eiffel.jpg")))
	f.pipeline.Drain()
	require.NoError(t, f.pipeline.Enqueue(f.url("/commons/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg")))
	f.pipeline.Drain()
	require.NoError(t, f.pipeline.Close())

	assert.Equal(t, int64(2), atomic.LoadInt64(f.requests))

	width, ok, errE := f.store.HGet(context.Background(), f.store.DB("m"), "Tour_Eiffel.jpg")
	require.NoError(t, errE)
	require.True(t, ok)
	assert.Equal(t, "300", width)
}

func TestPipelineUnparseableURLSkipped(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, t.TempDir())
	f.pipeline.Start(context.Background(), 1)

	require.NoError(t, f.pipeline.Enqueue("nonsense"))
	f.pipeline.Drain()
	require.NoError(t, f.pipeline.Close())

	assert.Equal(t, int64(0), atomic.LoadInt64(f.requests))
	assert.Empty(t, *f.optimized)
}
