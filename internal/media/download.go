// Package media implements the media pipeline (component F): a per-width deduplicating download
// queue and an external-tool optimization queue, per §4.F.
package media

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/diskcache"
	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/queue"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// Store is the subset of the KVStore adapter (component A) the media pipeline coordinates
// through. *kvstore.Store satisfies it.
type Store interface {
	DB(suffix string) string
	HSet(ctx context.Context, db, field string, value interface{}) errors.E
	HGet(ctx context.Context, db, field string) (string, bool, errors.E)
	HDel(ctx context.Context, db, field string) errors.E
}

// Pipeline drives the download half of the media pipeline: it consumes media URLs enqueued by
// the HTML rewriter (component E), resolves each to a (filenameBase, width) pair, deduplicates
// against the KVStore media db (§4.A, §3 "MediaRef" invariant), and on a miss fetches the body
// via the disk cache, symlinking it into the run's media directory.
type Pipeline struct {
	HTTPClient *retryablehttp.Client
	KVStore    Store
	DiskCache  *diskcache.Cache
	Logger     zerolog.Logger
	MediaDir   string

	// WidthCache is the in-memory front for the KVStore media db (§4.F), shared with the run
	// Context so that other components see the same dedup state.
	WidthCache *wikipedia.Cache

	// Optimize receives the local path of every freshly downloaded (not cache-hit) media file,
	// per §4.F's "enqueue on optimization queue."
	Optimize func(path string)

	queue *queue.Queue[string]
	// widthMu serializes the claim-a-width check-and-set per filenameBase against the KVStore,
	// per §5 ("parallel implementations must serialize media-dedup check-and-set"). A single
	// mutex is sufficient: the critical section touches only the cache/KVStore, never the
	// network, so contention under the §5 width-bound queue is negligible.
	widthMu sync.Mutex
}

// Start launches the bounded download queue (width per §5's "Media download" row) and returns
// the Pipeline ready to accept Enqueue calls.
func (p *Pipeline) Start(ctx context.Context, width int) {
	p.queue = queue.New(ctx, width, p.download)
}

// Enqueue submits a media source URL for download. The caller (the HTML rewriter) is
// responsible for deduplicating by source URL within a single rewrite pass (§4.E item 1); the
// Pipeline itself deduplicates by filenameBase across the whole run (§3 invariant (ii)).
func (p *Pipeline) Enqueue(url string) error {
	return p.queue.Submit(url) //nolint:wrapcheck
}

// Drain waits until every submitted media URL has been processed, per the §4.G queue-drain idiom.
func (p *Pipeline) Drain() {
	p.queue.Drain()
}

// Close stops the download queue, returning the first error (if any) reported by a worker.
func (p *Pipeline) Close() error {
	return p.queue.Close() //nolint:wrapcheck
}

func (p *Pipeline) download(ctx context.Context, sourceURL string) error {
	ref, ok := wikipedia.ParseMediaURL(sourceURL)
	if !ok {
		p.Logger.Warn().Str("url", sourceURL).Msg("media URL did not match expected shape, skipping")
		return nil
	}

	if errE := p.claimWidth(ctx, ref); errE != nil {
		if errors.Is(errE, wikipedia.ErrSilentSkipped) {
			return nil
		}
		if errors.Is(errE, wikipedia.ErrSkipped) {
			p.Logger.Debug().Str("url", sourceURL).Msg("media download skipped")
			return nil
		}
		return errE //nolint:wrapcheck
	}

	ext := mediaExt(ref.FilenameBase, sourceURL)
	outputPath := filepath.Join(p.MediaDir, ref.FilenameBase)
	// Every width variant of one file shares a single cache entry, keyed by the unscaled URL,
	// so a stored width can satisfy (or be upgraded by) later requests (§4.F).
	cacheURL := wikipedia.CanonicalMediaURL(sourceURL)

	if headers, hit := p.DiskCache.PeekHeaders(cacheURL, ext); hit {
		if headers.Width >= ref.Width {
			if errE := p.symlinkFromCache(cacheURL, ext, outputPath); errE != nil {
				return errE //nolint:wrapcheck
			}
			if headers.Width > ref.Width {
				// Stored width exceeds what was requested this time; mark for a future run's
				// staleness check rather than discarding the extra resolution (§4.F).
				if errE := p.KVStore.HSet(ctx, p.KVStore.DB(kvstore.SuffixCachedMediaToCheck), ref.FilenameBase, headers.Width); errE != nil {
					return errE //nolint:wrapcheck
				}
			} else {
				if errE := p.KVStore.HDel(ctx, p.KVStore.DB(kvstore.SuffixCachedMediaToCheck), ref.FilenameBase); errE != nil {
					return errE //nolint:wrapcheck
				}
			}
			return nil
		}
		// The cached body is too small for this request: drop it so the fetch below does not
		// resurrect it as a hit.
		p.DiskCache.Invalidate(cacheURL, ext)
	}

	entry, errE := p.DiskCache.Get(ctx, p.HTTPClient, p.Logger, cacheURL, ext, ref.Width,
		func(ctx context.Context, client *retryablehttp.Client, _ string) (*http.Response, errors.E) {
			return fetcher.Do(ctx, client, sourceURL)
		})
	if errE != nil {
		p.Logger.Error().Err(errE).Str("url", sourceURL).Msg("media download failed")
		return nil //nolint:nilerr
	}
	// Drain the body so the cache file is fully written before it is symlinked; closing early
	// would abort an in-progress download.
	_, copyErr := io.Copy(io.Discard, entry.Body)
	closeErr := entry.Body.Close()
	if copyErr != nil || closeErr != nil {
		p.Logger.Error().Str("url", sourceURL).AnErr("copy", copyErr).AnErr("close", closeErr).Msg("media download failed")
		return nil
	}

	if errE := p.symlinkFromCache(cacheURL, ext, outputPath); errE != nil {
		return errE //nolint:wrapcheck
	}

	if p.Optimize != nil {
		p.Optimize(outputPath)
	}
	return nil
}

// claimWidth implements the §4.F dedup check: "Consult A: if the stored width ≥ requested,
// skip. Else, record the new width (write-before-download to prevent duplicate concurrent
// fetches)." A satisfied width is reported as wikipedia.ErrSilentSkipped.
func (p *Pipeline) claimWidth(ctx context.Context, ref wikipedia.MediaRef) errors.E {
	p.widthMu.Lock()
	defer p.widthMu.Unlock()

	if cached, ok := p.WidthCache.Get(ref.FilenameBase); ok {
		if cached.(int) >= ref.Width { //nolint:forcetypeassert
			return errors.WithStack(wikipedia.ErrSilentSkipped)
		}
	} else {
		value, found, errE := p.KVStore.HGet(ctx, p.KVStore.DB(kvstore.SuffixMedia), ref.FilenameBase)
		if errE != nil {
			return errE
		}
		if found {
			width, err := strconv.Atoi(value)
			if err == nil {
				p.WidthCache.Add(ref.FilenameBase, width)
				if width >= ref.Width {
					return errors.WithStack(wikipedia.ErrSilentSkipped)
				}
			}
		}
	}

	p.WidthCache.Add(ref.FilenameBase, ref.Width)
	return p.KVStore.HSet(ctx, p.KVStore.DB(kvstore.SuffixMedia), ref.FilenameBase, ref.Width)
}

// symlinkFromCache links outputPath to the disk cache's body for cacheURL, falling back to a
// copy if symlinks are unsupported on the target filesystem (§4.B).
func (p *Pipeline) symlinkFromCache(cacheURL, ext, outputPath string) errors.E {
	key := diskcache.Key(cacheURL)
	cachePath := p.DiskCache.MediaPath(key, ext)

	_ = os.Remove(outputPath)
	if err := os.Symlink(cachePath, outputPath); err != nil {
		data, readErr := os.ReadFile(filepath.Clean(cachePath))
		if readErr != nil {
			return errors.WithStack(readErr)
		}
		if writeErr := os.WriteFile(outputPath, data, 0o644); writeErr != nil { //nolint:gosec,mnd
			return errors.WithStack(writeErr)
		}
	}
	return nil
}

// mediaExt derives the on-disk file extension for a media reference, preferring the extension
// embedded in the filenameBase (already resolved by the §6 regex) and falling back to the raw
// source URL's extension.
func mediaExt(filenameBase, sourceURL string) string {
	if ext := filepath.Ext(filenameBase); ext != "" {
		return ext
	}
	if idx := strings.IndexAny(sourceURL, "?#"); idx >= 0 {
		sourceURL = sourceURL[:idx]
	}
	return filepath.Ext(sourceURL)
}
