// Package diskcache implements the disk cache (component B): a content-addressed store of
// fetched bodies and their response headers, keyed by SHA1(url) truncated to 20 hex characters.
package diskcache

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/field-eng-powertools/notify"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
	"golang.org/x/sync/errgroup"
)

const (
	// ProgressPrintRate mirrors go-mediawiki's own progress-logging interval.
	ProgressPrintRate = 30 * time.Second

	hashLength  = 20
	sentinel    = "ref"
	headerExt   = ".h"
	dirPerm     = 0o755
	filePerm    = 0o644
	readBufSize = 32 * 1024
)

// Key returns the cache key for url: the first hashLength hex characters of its SHA-1 digest.
func Key(url string) string {
	sum := sha1.Sum([]byte(url)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:hashLength]
}

// Cache is a single run's disk cache rooted at a directory, as described in §6 "Cache layout".
type Cache struct {
	root string
}

// Open prepares the cache directory (and its media subdirectory) and returns a Cache rooted there.
func Open(root string) (*Cache, errors.E) {
	if err := os.MkdirAll(filepath.Join(root, "m"), dirPerm); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cache{root: root}, nil
}

// WriteRef writes the sentinel file used by Sweep to determine staleness, and should be called
// once at the start of a run, before any entry is read or written.
func (c *Cache) WriteRef() errors.E {
	f, err := os.OpenFile(filepath.Join(c.root, sentinel), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// bodyPath returns the path of the cached body for a non-media entry.
func (c *Cache) bodyPath(key string) string {
	return filepath.Join(c.root, key)
}

// MediaPath returns the path of the cached body for a media entry with the given extension
// (extension may be empty).
func (c *Cache) MediaPath(key, ext string) string {
	return filepath.Join(c.root, "m", key+ext)
}

func headerPath(bodyPath string) string {
	return bodyPath + headerExt
}

// Headers is the serialized response-header mapping stored next to a cached body.
type Headers struct {
	Header http.Header `json:"header"`
	Width  int         `json:"width,omitempty"`
}

func writeHeaders(path string, h Headers) errors.E {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, filePerm))
}

func readHeaders(path string) (Headers, errors.E) {
	var h Headers
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return h, errors.WithStack(err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, errors.WithStack(err)
	}
	return h, nil
}

// Entry describes a hit against the cache, either fresh or retrieved from disk.
type Entry struct {
	Body    io.ReadCloser
	Headers Headers
	Size    int64
	Path    string
}

// FetchFunc performs the underlying HTTP fetch for a miss; it is supplied by the caller so that
// the disk cache stays decoupled from the fetcher's retry/backoff policy (component C).
type FetchFunc func(ctx context.Context, httpClient *retryablehttp.Client, url string) (*http.Response, errors.E)

// Get returns the cached body and headers for url, fetching and populating the cache on a miss.
// Pass an empty mediaExt for non-media entries, or the file extension (including the leading
// dot) for media entries, which are stored under the cache's "m/" subdirectory per §6.
func (c *Cache) Get(
	ctx context.Context, httpClient *retryablehttp.Client, logger zerolog.Logger, url, mediaExt string, width int, fetch FetchFunc,
) (*Entry, errors.E) {
	key := Key(url)

	var path string
	if mediaExt != "" {
		path = c.MediaPath(key, mediaExt)
	} else {
		path = c.bodyPath(key)
	}
	hpath := headerPath(path)

	writeFile, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return c.readExisting(path, hpath)
		}
		return nil, errors.WithStack(err)
	}

	resp, errE := fetch(ctx, httpClient, url)
	if errE != nil {
		writeFile.Close() //nolint:errcheck,gosec
		_ = os.Remove(path)
		return nil, errE
	}

	readFile, err := os.Open(filepath.Clean(path))
	if err != nil {
		resp.Body.Close() //nolint:errcheck,gosec
		writeFile.Close() //nolint:errcheck,gosec
		_ = os.Remove(path)
		return nil, errors.WithStack(err)
	}

	r := &downloadingReader{
		path:       path,
		url:        url,
		writeFile:  writeFile,
		readFile:   readFile,
		downloaded: notify.VarOf[int64](0),
	}
	size, errE := r.start(ctx, resp, logger)
	if errE != nil {
		return nil, errE
	}

	headers := Headers{Header: resp.Header, Width: width}
	if errE := writeHeaders(hpath, headers); errE != nil {
		return nil, errE
	}

	return &Entry{Body: r, Headers: headers, Size: size, Path: path}, nil
}

func (c *Cache) readExisting(path, hpath string) (*Entry, errors.E) {
	headers, errE := readHeaders(hpath)
	if errE != nil {
		// A body without a usable header sibling is treated as invalid, per §7: "missing .h
		// sibling invalidates the body."
		_ = os.Remove(path)
		_ = os.Remove(hpath)
		return nil, errors.Wrapf(errE, "cache entry %s has no usable header file", path)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck,gosec
		return nil, errors.WithStack(err)
	}

	// Touch the entry so Sweep does not consider it stale.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	_ = os.Chtimes(hpath, now, now)

	return &Entry{Body: f, Headers: headers, Size: info.Size(), Path: path}, nil
}

// PeekHeaders returns the headers recorded for url's cache entry (mediaExt as in Get) without
// fetching or creating anything, and whether a usable entry currently exists. Used by the media
// pipeline (§4.F) to decide whether an existing cache entry's width already satisfies a new
// request before deciding whether to symlink it or re-fetch.
func (c *Cache) PeekHeaders(url, mediaExt string) (Headers, bool) {
	key := Key(url)
	var path string
	if mediaExt != "" {
		path = c.MediaPath(key, mediaExt)
	} else {
		path = c.bodyPath(key)
	}
	if _, err := os.Stat(path); err != nil {
		return Headers{}, false
	}
	h, errE := readHeaders(headerPath(path))
	if errE != nil {
		return Headers{}, false
	}
	return h, true
}

// Invalidate removes url's cached entry (body and header sibling), used when a stored media
// width is insufficient for a newly requested width and the entry must be re-fetched (§4.F).
func (c *Cache) Invalidate(url, mediaExt string) {
	key := Key(url)
	var path string
	if mediaExt != "" {
		path = c.MediaPath(key, mediaExt)
	} else {
		path = c.bodyPath(key)
	}
	_ = os.Remove(path)
	_ = os.Remove(headerPath(path))
}

// Sweep deletes every cache file (and its header sibling) whose mtime predates the sentinel
// written by WriteRef, when cleaning is enabled; it should be called once at the end of a run.
func (c *Cache) Sweep(logger zerolog.Logger) errors.E {
	refInfo, err := os.Stat(filepath.Join(c.root, sentinel))
	if err != nil {
		return errors.WithStack(err)
	}
	cutoff := refInfo.ModTime()

	return errors.WithStack(filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error { //nolint:wrapcheck
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) == sentinel || filepath.Ext(path) == headerExt {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			logger.Debug().Str("path", path).Msg("sweeping stale cache entry")
			_ = os.Remove(path)
			_ = os.Remove(path + headerExt)
		}
		return nil
	}))
}

// downloadingReader lets a reader tail a cache file while it is still being written, following
// the same notify.Var-based approach as the teacher's CachedDownload.
type downloadingReader struct {
	path      string
	url       string
	writeFile *os.File
	readFile  *os.File

	read       int64
	size       int64
	downloaded *notify.Var[int64]
	ctx        context.Context //nolint:containedctx
	g          *errgroup.Group
	cancel     context.CancelFunc
}

func (r *downloadingReader) Read(p []byte) (int, error) {
	downloaded, updated := r.downloaded.Get()
	for {
		if r.size == downloaded {
			return r.readFile.Read(p) //nolint:wrapcheck
		}
		if r.read < downloaded {
			n, err := r.readFile.Read(p)
			r.read += int64(n)
			if err == io.EOF && n > 0 { //nolint:errorlint
				return n, nil
			}
			return n, err //nolint:wrapcheck
		}
		select {
		case <-updated:
			downloaded, updated = r.downloaded.Get()
		case <-r.ctx.Done():
			return 0, errors.WithStack(r.ctx.Err())
		}
	}
}

func (r *downloadingReader) Close() error {
	defer func() {
		r.writeFile.Close() //nolint:errcheck,gosec
		r.readFile.Close()  //nolint:errcheck,gosec
	}()
	if r.g != nil {
		r.cancel()
		return r.g.Wait() //nolint:wrapcheck
	}
	return nil
}

func (r *downloadingReader) start(ctx context.Context, resp *http.Response, logger zerolog.Logger) (int64, errors.E) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, r.ctx = errgroup.WithContext(ctx)

	size := resp.ContentLength
	r.size = size

	counter := &x.CountingReader{Reader: resp.Body}
	ticker := x.NewTicker(ctx, counter, x.NewCounter(size), ProgressPrintRate)
	go func() {
		for p := range ticker.C {
			logger.Info().
				Int64("count", p.Count).
				Int64("total", size).
				Str("eta", p.Remaining().Truncate(time.Second).String()).
				Float64("%", p.Percent()).
				Str("url", r.url).
				Msg("downloading")
		}
	}()

	r.g.Go(func() error {
		// The writer goroutine owns the response body: it must stay open until the stream is
		// fully copied into the cache file.
		defer resp.Body.Close() //nolint:errcheck
		defer ticker.Stop()
		defer func() {
			info, err := os.Stat(r.path)
			if err != nil || (size > 0 && info.Size() != size) {
				_ = os.Remove(r.path)
			}
		}()

		var written int64
		buf := make([]byte, readBufSize)
		for {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			n, readErr := counter.Read(buf)
			if n > 0 {
				nw, writeErr := r.writeFile.Write(buf[:n])
				written += int64(nw)
				r.downloaded.Set(written)
				if writeErr != nil {
					return errors.WithStack(writeErr)
				}
				if nw != n {
					return errors.New("short write")
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					// An unknown Content-Length (-1) resolves to the actual byte count here,
					// which is also what unblocks the tailing reader.
					if r.size <= 0 {
						r.size = written
						r.downloaded.Set(written)
					}
					return nil
				}
				return errors.WithStack(readErr)
			}
		}
	})

	return size, nil
}
