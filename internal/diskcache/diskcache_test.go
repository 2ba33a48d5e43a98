package diskcache_test

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/diskcache"
)

func TestKey(t *testing.T) {
	t.Parallel()

	const url = "https://en.wikipedia.org/wiki/Tour_Eiffel"

	key := diskcache.Key(url)
	assert.Len(t, key, 20)
	// Stable across calls and equal to the truncated SHA-1 of the URL.
	assert.Equal(t, key, diskcache.Key(url))
	sum := sha1.Sum([]byte(url)) //nolint:gosec
	assert.Equal(t, hex.EncodeToString(sum[:])[:20], key)

	assert.NotEqual(t, key, diskcache.Key(url+"?x"))
}

// fakeFetch returns a FetchFunc serving body, counting invocations.
func fakeFetch(body string, calls *int64) diskcache.FetchFunc {
	return func(_ context.Context, _ *retryablehttp.Client, _ string) (*http.Response, errors.E) {
		atomic.AddInt64(calls, 1)
		return &http.Response{
			StatusCode:    http.StatusOK,
			ContentLength: int64(len(body)),
			Header:        http.Header{"Content-Type": []string{"text/html"}},
			Body:          io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func readEntry(t *testing.T, entry *diskcache.Entry) string {
	t.Helper()
	data, err := io.ReadAll(entry.Body)
	require.NoError(t, err)
	require.NoError(t, entry.Body.Close())
	return string(data)
}

func TestCacheGet(t *testing.T) {
	t.Parallel()

	cache, errE := diskcache.Open(t.TempDir())
	require.NoError(t, errE)
	require.NoError(t, cache.WriteRef())

	const url = "https://en.wikipedia.org/api/rest_v1/page/mobile-sections/Paris"
	var calls int64
	fetch := fakeFetch("body bytes", &calls)

	entry, errE := cache.Get(context.Background(), nil, zerolog.Nop(), url, "", 0, fetch)
	require.NoError(t, errE)
	assert.Equal(t, "body bytes", readEntry(t, entry))
	assert.Equal(t, int64(1), calls)

	// Second read is a hit: same body and headers, no new fetch.
	entry, errE = cache.Get(context.Background(), nil, zerolog.Nop(), url, "", 0, fetch)
	require.NoError(t, errE)
	assert.Equal(t, "body bytes", readEntry(t, entry))
	assert.Equal(t, "text/html", entry.Headers.Header.Get("Content-Type"))
	assert.Equal(t, int64(1), calls)
}

func TestCacheGetMedia(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cache, errE := diskcache.Open(root)
	require.NoError(t, errE)
	require.NoError(t, cache.WriteRef())

	const url = "https://upload.wikimedia.org/thumb/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg"
	var calls int64

	entry, errE := cache.Get(context.Background(), nil, zerolog.Nop(), url, ".jpg", 300, fakeFetch("jpegdata", &calls))
	require.NoError(t, errE)
	assert.Equal(t, "jpegdata", readEntry(t, entry))

	// Media entries live under m/ with their extension, and record the requested width.
	bodyPath := cache.MediaPath(diskcache.Key(url), ".jpg")
	assert.FileExists(t, bodyPath)
	assert.FileExists(t, bodyPath+".h")

	headers, ok := cache.PeekHeaders(url, ".jpg")
	require.True(t, ok)
	assert.Equal(t, 300, headers.Width)
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	cache, errE := diskcache.Open(t.TempDir())
	require.NoError(t, errE)

	const url = "https://upload.wikimedia.org/thumb/F.png/120px-F.png"
	var calls int64
	entry, errE := cache.Get(context.Background(), nil, zerolog.Nop(), url, ".png", 120, fakeFetch("png", &calls))
	require.NoError(t, errE)
	readEntry(t, entry)

	_, ok := cache.PeekHeaders(url, ".png")
	require.True(t, ok)

	cache.Invalidate(url, ".png")
	_, ok = cache.PeekHeaders(url, ".png")
	assert.False(t, ok)
}

func TestCacheMissingHeadersInvalidatesBody(t *testing.T) {
	t.Parallel()

	cache, errE := diskcache.Open(t.TempDir())
	require.NoError(t, errE)

	const url = "https://en.wikipedia.org/api/rest_v1/page/mobile-sections/Lyon"
	var calls int64
	entry, errE := cache.Get(context.Background(), nil, zerolog.Nop(), url, "", 0, fakeFetch("first", &calls))
	require.NoError(t, errE)
	readEntry(t, entry)

	// A body whose .h sibling is gone is unusable; the next Get reports an error and drops the
	// entry, so the Get after that is a miss.
	require.NoError(t, os.Remove(entry.Path+".h"))

	_, errE = cache.Get(context.Background(), nil, zerolog.Nop(), url, "", 0, fakeFetch("second", &calls))
	require.Error(t, errE)

	entry, errE = cache.Get(context.Background(), nil, zerolog.Nop(), url, "", 0, fakeFetch("second", &calls))
	require.NoError(t, errE)
	assert.Equal(t, "second", readEntry(t, entry))
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cache, errE := diskcache.Open(root)
	require.NoError(t, errE)

	const staleURL = "https://en.wikipedia.org/api/rest_v1/page/mobile-sections/Old"
	const freshURL = "https://en.wikipedia.org/api/rest_v1/page/mobile-sections/New"
	var calls int64

	entry, errE := cache.Get(context.Background(), nil, zerolog.Nop(), staleURL, "", 0, fakeFetch("old", &calls))
	require.NoError(t, errE)
	readEntry(t, entry)
	stalePath := entry.Path

	// Age the stale entry behind the sentinel.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))
	require.NoError(t, os.Chtimes(stalePath+".h", old, old))

	require.NoError(t, cache.WriteRef())

	entry, errE = cache.Get(context.Background(), nil, zerolog.Nop(), freshURL, "", 0, fakeFetch("new", &calls))
	require.NoError(t, errE)
	readEntry(t, entry)
	freshPath := entry.Path

	require.NoError(t, cache.Sweep(zerolog.Nop()))

	assert.NoFileExists(t, stalePath)
	assert.NoFileExists(t, stalePath+".h")
	assert.FileExists(t, freshPath)
	assert.FileExists(t, filepath.Join(root, "ref"))
}
