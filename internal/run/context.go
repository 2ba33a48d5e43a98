package run

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/diskcache"
	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// mediaWidthCacheSize bounds the in-memory front cache for the media db's width dedup (§4.A,
// §4.F): most media references repeat within a handful of recently-seen filenameBases (shared
// icons, flags, stock photos), so a modest LRU avoids a KVStore round trip for the common case.
const mediaWidthCacheSize = 8192

// ArticleID is the (revision, timestamp, coordinates) tuple recorded per discovered title (§3
// "Revision"), kept in memory for the duration of a run and also written into the KVStore's
// details db; later phases read the in-memory map, not the details db.
type ArticleID struct {
	Revision  int64
	Timestamp int64
	// Geo holds "lat;lon" when the title carries coordinates, or "" otherwise (§3).
	Geo string
}

// Context is the value threaded through every component in place of the original's global
// mutable state (§9 "Global mutable state"). Configuration is read-only after NewContext;
// the article-id map is written only during enumeration (component D) and is read-only
// thereafter, guarded by a mutex only because Go's port parallelizes what was single-threaded.
type Context struct {
	Config *Config
	Logger zerolog.Logger

	HTTPClient *retryablehttp.Client
	KVStore    *kvstore.Store
	DiskCache  *diskcache.Cache

	// RunPrefix isolates this run's KVStore schema/tables from any other concurrent run against
	// the same database, per §3 invariant (iii).
	RunPrefix string

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	articleIDsMu sync.RWMutex
	articleIDs   map[string]ArticleID

	contentNamespaces map[string]bool

	// MediaWidthCache is the in-memory hot-path front for the KVStore media db, per §4.F.
	MediaWidthCache *wikipedia.Cache
}

// NewContext creates a run Context rooted at parent, generating a fresh run prefix.
func NewContext(parent context.Context, config *Config, logger zerolog.Logger) (*Context, errors.E) {
	ctx, cancel := context.WithCancel(parent)
	widthCache, err := wikipedia.NewCache(mediaWidthCacheSize)
	if err != nil {
		cancel()
		return nil, errors.WithStack(err)
	}
	return &Context{
		Config:            config,
		Logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
		articleIDs:        map[string]ArticleID{},
		contentNamespaces: map[string]bool{},
		RunPrefix:         "mwo" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		MediaWidthCache:   widthCache,
	}, nil
}

// Ctx returns the run's cancelable context; every suspension point (HTTP, disk I/O, process
// spawn, KVStore call) must observe it, per §5.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Cancel cancels the run's context, per §5 "Cancellation": any fatal error calls this, which
// every queue worker observes at its next suspension point.
func (c *Context) Cancel() {
	c.cancel()
}

// SetArticleID records T's revision/timestamp/coordinates, called only during enumeration
// (component D).
func (c *Context) SetArticleID(title string, id ArticleID) {
	c.articleIDsMu.Lock()
	defer c.articleIDsMu.Unlock()
	c.articleIDs[title] = id
}

// DeleteArticleID drops T from the map, used when an article's sections cannot be fetched or
// have no lead section (§7).
func (c *Context) DeleteArticleID(title string) {
	c.articleIDsMu.Lock()
	defer c.articleIDsMu.Unlock()
	delete(c.articleIDs, title)
}

// ArticleID returns T's recorded id and whether it is present.
func (c *Context) ArticleID(title string) (ArticleID, bool) {
	c.articleIDsMu.RLock()
	defer c.articleIDsMu.RUnlock()
	id, ok := c.articleIDs[title]
	return id, ok
}

// ArticleTitles returns a snapshot of every currently-known title, used once enumeration has
// quiesced (e.g. to drive the article fetch/rewrite queue).
func (c *Context) ArticleTitles() []string {
	c.articleIDsMu.RLock()
	defer c.articleIDsMu.RUnlock()
	titles := make([]string, 0, len(c.articleIDs))
	for t := range c.articleIDs {
		titles = append(titles, t)
	}
	return titles
}

// IsMirrored implements the "Mirrored test" of §4.E: T is mirrored if it is a known article, or
// (namespace-mode crawls only) its namespace prefix names a content namespace.
func (c *Context) IsMirrored(title string) bool {
	if _, ok := c.ArticleID(title); ok {
		return true
	}
	if len(c.contentNamespaces) == 0 {
		return false
	}
	idx := strings.IndexByte(title, ':')
	if idx < 0 {
		return false
	}
	return c.contentNamespaces[title[:idx]]
}

// SetContentNamespaces records the namespace-mode crawl's content namespace prefixes, used by
// IsMirrored.
func (c *Context) SetContentNamespaces(prefixes map[string]bool) {
	c.contentNamespaces = prefixes
}

// Close tears down the run's KVStore: drops its schema and closes its pool. The HTTP client's
// idle connections are released separately, by the orchestrator's shutdown.
func (c *Context) Close() errors.E {
	var errE errors.E
	if c.KVStore != nil {
		errE = c.KVStore.Close(c.ctx)
	}
	return errE
}
