package orchestrator

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/crawler"
	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/queue"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// redirectBackoffSleepUnit is the per-excess-item sleep applied by the title scheduler once the
// redirect queue grows beyond run.RedirectQueueBackoffThreshold, per §5: "sleep for (len-30000)
// ms before enqueuing more."
const redirectBackoffSleepUnit = time.Millisecond

// detailsBatchSize bounds how many details rows one HMSet batch carries.
const detailsBatchSize = 500

// detailsValue is the KVStore details db's per-title value: {t: timestamp, g?: "lat;lon"} (§3).
type detailsValue struct {
	T int64  `json:"t"`
	G string `json:"g,omitempty"`
}

// getArticleIDs is the "getArticleIds" phase of §4.G: it runs one of the two mutually exclusive
// enumeration modes of §4.D (file mode or namespace mode), recording each discovered title's
// revision/timestamp/coordinates into the run Context's in-memory article-id map. It also
// launches the redirect-lookup queue described in §4.D/§5 and waits for it to drain, then
// persists every title's details into the KVStore details db.
func (o *Orchestrator) getArticleIDs(info *crawler.SiteInfo) errors.E {
	cfg := o.RunCtx.Config

	redirectQueue := queue.New(o.RunCtx.Ctx(), cfg.RedirectQueueWidth(), o.lookupRedirects)

	enqueueRedirectLookup := func(title string) error {
		for redirectQueue.Pending() > run.RedirectQueueBackoffThreshold {
			excess := redirectQueue.Pending() - run.RedirectQueueBackoffThreshold
			time.Sleep(time.Duration(excess) * redirectBackoffSleepUnit)
		}
		return redirectQueue.Submit(title) //nolint:wrapcheck
	}

	record := func(title string, rev crawler.Revision) {
		if rev.Missing {
			o.RunCtx.Logger.Info().Str("title", title).Msg("title missing or has no revision, dropping")
			return
		}
		o.RunCtx.SetArticleID(title, run.ArticleID{Revision: rev.ID, Timestamp: rev.Timestamp, Geo: rev.Geo})
	}

	var errE errors.E
	if cfg.ArticleList != "" {
		errE = o.enumerateFromFile(cfg.ArticleList, record, enqueueRedirectLookup)
	} else {
		o.namespaces = contentNamespaceIDs(info)
		errE = o.enumerateNamespaces(record, enqueueRedirectLookup)
	}
	if errE != nil {
		_ = redirectQueue.Close()
		return errE
	}

	// The main page is fetched explicitly if enumeration did not already discover it (§4.D).
	if _, ok := o.RunCtx.ArticleID(o.mainPage); !ok && o.mainPage != "" {
		rev, revErrE := o.api.Revision(o.RunCtx.Ctx(), o.mainPage)
		if revErrE != nil {
			_ = redirectQueue.Close()
			return revErrE
		}
		record(o.mainPage, rev)
		if err := enqueueRedirectLookup(o.mainPage); err != nil {
			_ = redirectQueue.Close()
			return errors.WithStack(err)
		}
	}

	redirectQueue.Drain()
	if err := redirectQueue.Close(); err != nil {
		return errors.WithStack(err)
	}

	return o.saveDetails()
}

// saveDetails persists details[T] = {t, g?} for every enumerated title (§3 "Revision"), batched.
func (o *Orchestrator) saveDetails() errors.E {
	db := o.RunCtx.KVStore.DB(kvstore.SuffixDetails)
	batch := make(map[string]interface{}, detailsBatchSize)
	for _, title := range o.RunCtx.ArticleTitles() {
		id, ok := o.RunCtx.ArticleID(title)
		if !ok {
			continue
		}
		batch[title] = detailsValue{T: id.Timestamp, G: id.Geo}
		if len(batch) >= detailsBatchSize {
			if errE := o.RunCtx.KVStore.HMSet(o.RunCtx.Ctx(), db, batch); errE != nil {
				return errE
			}
			batch = make(map[string]interface{}, detailsBatchSize)
		}
	}
	return o.RunCtx.KVStore.HMSet(o.RunCtx.Ctx(), db, batch)
}

func (o *Orchestrator) enumerateFromFile(path string, record func(string, crawler.Revision), enqueue func(string) error) errors.E {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return errors.WithStack(err)
	}
	defer file.Close() //nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		title := wikipedia.CanonicalTitle(line)
		if title == "" {
			continue
		}
		rev, errE := o.api.Revision(o.RunCtx.Ctx(), title)
		if errE != nil {
			return errE
		}
		record(title, rev)
		if !rev.Missing {
			if err := enqueue(title); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (o *Orchestrator) enumerateNamespaces(record func(string, crawler.Revision), enqueue func(string) error) errors.E {
	for _, ns := range o.namespaces {
		errE := o.api.EnumerateNamespace(o.RunCtx.Ctx(), ns, func(page crawler.AllPagesPage) errors.E {
			title := wikipedia.CanonicalTitle(page.Title)
			record(title, page.Revision)
			if page.Revision.Missing {
				return nil
			}
			if err := enqueue(title); err != nil {
				return errors.WithStack(err)
			}
			return nil
		})
		if errE != nil {
			return errE
		}
	}
	return nil
}

// cacheRedirects is the "cacheRedirects" phase named in §4.G. Redirect lookups are actually
// dispatched concurrently with enumeration (§4.D), on their own bounded queue; getArticleIDs
// already waits for that queue to fully drain before returning, so by the time this phase runs
// every discovered title's inbound redirects are already recorded in the KVStore redirects db.
// It exists as a distinct, named step purely to make that barrier visible in the phase sequence.
func (o *Orchestrator) cacheRedirects() errors.E {
	keys, errE := o.RunCtx.KVStore.HKeys(o.RunCtx.Ctx(), o.RunCtx.KVStore.DB(kvstore.SuffixRedirects))
	if errE != nil {
		return errE
	}
	o.RunCtx.Logger.Info().Int("count", len(keys)).Msg("redirects cached")
	return nil
}

func contentNamespaceIDs(info *crawler.SiteInfo) []int {
	var ids []int
	for _, ns := range info.Namespaces {
		if ns.Content {
			ids = append(ids, ns.ID)
		}
	}
	return ids
}

func (o *Orchestrator) lookupRedirects(ctx context.Context, title string) error {
	sources, errE := o.api.Backlinks(ctx, title)
	if errE != nil {
		return errE //nolint:wrapcheck
	}
	for _, src := range sources {
		canonical := wikipedia.CanonicalTitle(src)
		if errE := o.RunCtx.KVStore.HSet(ctx, o.RunCtx.KVStore.DB(kvstore.SuffixRedirects), canonical, title); errE != nil {
			return errE //nolint:wrapcheck
		}
	}
	return nil
}
