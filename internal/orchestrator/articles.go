package orchestrator

import (
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
	"gitlab.com/mwoffliner/mwoffliner/internal/media"
	"gitlab.com/mwoffliner/mwoffliner/internal/mediawiki"
	"gitlab.com/mwoffliner/mwoffliner/internal/queue"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// variantPipeline bundles the per-variant media download and optimization queues that
// saveArticles feeds while rewriting each article (§4.E / §4.F).
type variantPipeline struct {
	download *media.Pipeline
	optimize *media.Optimizer
}

func (o *Orchestrator) newVariantPipeline(htmlRoot string) *variantPipeline {
	cfg := o.RunCtx.Config
	optimizer := &media.Optimizer{Logger: o.RunCtx.Logger}
	optimizer.Start(o.RunCtx.Ctx(), cfg.OptimizeQueueWidth())

	download := &media.Pipeline{
		HTTPClient: o.RunCtx.HTTPClient,
		KVStore:    o.RunCtx.KVStore,
		DiskCache:  o.RunCtx.DiskCache,
		Logger:     o.RunCtx.Logger,
		MediaDir:   filepath.Join(htmlRoot, run.MediaSubdir),
		WidthCache: o.RunCtx.MediaWidthCache,
		Optimize:   optimizer.Enqueue,
	}
	download.Start(o.RunCtx.Ctx(), cfg.MediaQueueWidth())

	return &variantPipeline{download: download, optimize: optimizer}
}

// getMediaBase implements §6's getMediaBase: the local, article-relative media path for a
// source URL, or ok=false if no filenameBase can be derived (§4.E item 1's "If no local path can
// be derived, delete the image").
func getMediaBase(sourceURL string) (string, bool) {
	ref, ok := wikipedia.ParseMediaURL(sourceURL)
	if !ok || ref.FilenameBase == "" {
		return "", false
	}
	return run.MediaSubdir + "/" + ref.FilenameBase, true
}

// saveArticles is the "saveArticles" phase of §4.G: for every title in the article-id map, fetch
// its mobile-sections body (component C, possibly via B), rewrite each section (component E),
// and write the result to htmlRoot/{articleBase}.html, scheduling every referenced media URL on
// the variant's download queue (component F).
func (o *Orchestrator) saveArticles(variant run.DumpVariant, htmlRoot string, vp *variantPipeline) errors.E {
	cfg := o.RunCtx.Config
	rw := &wikipedia.Rewriter{
		NoPic:               variant.NoPic,
		KeepEmptyParagraphs: cfg.KeepEmptyParagraphs,
		WikiBasePath:        cfg.ArticlePath(),
		IsMirrored:          o.RunCtx.IsMirrored,
		MediaBase:           getMediaBase,
		EnqueueMedia:        func(url string) { _ = vp.download.Enqueue(url) },
	}

	articleQueue := queue.New(o.RunCtx.Ctx(), cfg.ArticleQueueWidth(), func(ctx context.Context, title string) error {
		return o.saveArticle(ctx, rw, htmlRoot, title)
	})

	for _, title := range o.RunCtx.ArticleTitles() {
		if err := articleQueue.Submit(title); err != nil {
			_ = articleQueue.Close()
			return errors.WithStack(err)
		}
	}

	articleQueue.Drain()
	return errors.WithStack(articleQueue.Close())
}

func (o *Orchestrator) saveArticle(ctx context.Context, rw *wikipedia.Rewriter, htmlRoot, title string) error {
	sections, errE := o.fetchSections(ctx, title)
	if errE != nil {
		o.RunCtx.Logger.Error().Str("title", title).Err(errE).Msg("failed to fetch article, dropping")
		o.RunCtx.DeleteArticleID(title)
		return nil
	}
	if len(sections.Lead.Sections) == 0 {
		// Article API returns no lead (§7): logged, title dropped, run continues.
		o.RunCtx.Logger.Info().Str("title", title).Msg("article has no lead section, dropping")
		o.RunCtx.DeleteArticleID(title)
		return nil
	}

	// One dedup map per rewrite pass: a media URL shared by several sections (or the lead
	// metadata) enqueues a single download (§4.E item 1, §3 invariant (ii)).
	seen := map[string]bool{}
	for _, section := range sections.AllSections() {
		cleaned, errE := rw.RewriteSection(section.Text, seen)
		if errE != nil {
			return errE //nolint:wrapcheck
		}
		section.Text = cleaned
	}
	if sections.Lead.Image != nil {
		for widthKey, url := range sections.Lead.Image.URLs {
			sections.Lead.Image.URLs[widthKey] = rw.RewriteLeadURL(url, seen)
		}
	}
	if sections.Lead.Pronunciation != nil && sections.Lead.Pronunciation.URL != "" {
		sections.Lead.Pronunciation.URL = rw.RewriteLeadURL(sections.Lead.Pronunciation.URL, seen)
	}

	return o.writeArticleFile(htmlRoot, title, sections)
}

// fetchSections retrieves one title's mobile-sections body, through the disk cache (component B)
// unless skipHtmlCache bypasses it.
func (o *Orchestrator) fetchSections(ctx context.Context, title string) (*mediawiki.MobileSections, errors.E) {
	url := o.RunCtx.Config.MobileSectionsURL(title)

	if o.RunCtx.Config.SkipHTMLCache || o.RunCtx.DiskCache == nil {
		return mediawiki.FetchMobileSections(ctx, o.RunCtx.HTTPClient, o.RunCtx.Logger, url)
	}

	entry, errE := o.RunCtx.DiskCache.Get(ctx, o.RunCtx.HTTPClient, o.RunCtx.Logger, url, "", 0, fetcher.Do)
	if errE != nil {
		return nil, errE
	}
	data, err := io.ReadAll(entry.Body)
	closeErr := entry.Body.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if closeErr != nil {
		return nil, errors.WithStack(closeErr)
	}

	var sections mediawiki.MobileSections
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, errors.WithStack(err)
	}
	return &sections, nil
}

func (o *Orchestrator) writeArticleFile(htmlRoot, title string, sections *mediawiki.MobileSections) error {
	data, err := json.Marshal(sections)
	if err != nil {
		return errors.WithStack(err)
	}

	path := filepath.Join(htmlRoot, wikipedia.ArticleFilename(title))
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	if o.RunCtx.Config.DeflateTmpHTML {
		w, err := flate.NewWriter(f, flate.DefaultCompression)
		if err != nil {
			return errors.WithStack(err)
		}
		defer w.Close() //nolint:errcheck
		_, err = w.Write(data)
		return errors.WithStack(err)
	}

	_, err = f.Write(data)
	return errors.WithStack(err)
}
