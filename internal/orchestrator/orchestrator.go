// Package orchestrator implements the run orchestrator (component G): it sequences the phases
// of §4.G in strict order, each blocking until the previous quiesces, drives the per-variant
// dump loop, and performs the final flush (KV database deletion, HTTP pool teardown).
package orchestrator

import (
	"os"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/crawler"
	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// Orchestrator holds everything the phase sequence of §4.G needs beyond what already lives on
// run.Context: the API client, the values resolved from siteinfo (main page, subtitle, text
// direction), the run start time that dates every filename radical, and the set of dump
// variants still to be built (resume mode may shrink this set at checkResume).
type Orchestrator struct {
	RunCtx *run.Context

	api           *crawler.Client
	mainPage      string
	subTitle      string
	textDirection string
	namespaces    []int
	variants      []run.DumpVariant
	startTime     time.Time
}

// New prepares an Orchestrator for runCtx. It does not perform any I/O; call Run to execute the
// phase sequence.
func New(runCtx *run.Context) *Orchestrator {
	return &Orchestrator{
		RunCtx:    runCtx,
		variants:  runCtx.Config.DumpVariants(),
		startTime: runTime(),
	}
}

// Run executes the full §4.G phase sequence:
//
//	login -> getTextDirection -> getSiteInfo -> getSubTitle -> getNamespaces ->
//	createDirectories -> prepareCache -> checkResume -> getArticleIds -> cacheRedirects ->
//	{ for each dump variant: createSubDirs -> saveFavicon -> getMainPage ->
//	  [saveHtmlRedirects] -> saveArticles -> drainDownloadQueue -> drainOptimizationQueue ->
//	  buildZim -> endProcess } -> cleanCache -> deleteKVDatabases -> closeHTTPAgents
//
// Each phase is a synchronization barrier: Run does not begin phase N+1 until phase N's queues
// (if any) have fully drained, per §5.
func (o *Orchestrator) Run() errors.E {
	cfg := o.RunCtx.Config
	log := o.RunCtx.Logger

	if errE := CheckBinaries(o.variants); errE != nil {
		return errE
	}

	o.api = crawler.NewClient(o.RunCtx.HTTPClient, cfg.APIURL(), cfg.RedirectQueueWidth())

	if cfg.MWUsername != "" {
		if errE := Login(o.RunCtx); errE != nil {
			return errE
		}
	}

	// getTextDirection / getSiteInfo / getSubTitle / getNamespaces all resolve from a single
	// siteinfo query; they remain distinct named steps of the sequence.
	info, errE := o.api.SiteInfo(o.RunCtx.Ctx())
	if errE != nil {
		return errE
	}
	o.textDirection = "ltr"
	if info.RTL {
		o.textDirection = "rtl"
	}
	o.subTitle = info.SiteName
	log.Info().Str("direction", o.textDirection).Str("subtitle", o.subTitle).Msg("site info resolved")

	o.mainPage = cfg.CustomMainPage
	if o.mainPage == "" {
		o.mainPage = info.MainPage
	}
	if cfg.ArticleList == "" {
		o.RunCtx.SetContentNamespaces(info.ContentNamespacePrefixes())
	}

	if errE := o.createDirectories(); errE != nil {
		return errE
	}

	if errE := o.prepareCache(); errE != nil {
		return errE
	}

	o.variants = o.checkResume(o.variants)
	if len(o.variants) == 0 {
		log.Info().Msg("every requested dump variant already exists, resume is a no-op")
		return o.shutdown()
	}

	if errE := o.getArticleIDs(info); errE != nil {
		return errE
	}

	if errE := o.cacheRedirects(); errE != nil {
		return errE
	}

	for _, variant := range o.variants {
		if errE := o.runVariant(variant); errE != nil {
			return errE
		}
	}

	return o.shutdown()
}

// radicalFor builds the filename radical for one dump variant (§6 "Filename radical"),
// honoring a configured filenamePrefix in place of the host-derived creator/language stem.
func (o *Orchestrator) radicalFor(variant run.DumpVariant) string {
	cfg := o.RunCtx.Config
	return run.FilenameRadical(cfg.FilenamePrefix, cfg.MWUrl.Host, cfg.ArticleList, variant, o.startTime)
}

// runVariant executes one dump variant's sub-sequence of §4.G: createSubDirs -> saveFavicon ->
// getMainPage -> [saveHtmlRedirects] -> saveArticles -> drainDownloadQueue ->
// drainOptimizationQueue -> buildZim -> endProcess.
func (o *Orchestrator) runVariant(variant run.DumpVariant) errors.E {
	htmlRoot, errE := o.createSubDirs(variant)
	if errE != nil {
		return errE
	}

	if errE := o.saveFavicon(htmlRoot); errE != nil {
		return errE
	}

	if errE := o.getMainPage(htmlRoot); errE != nil {
		return errE
	}

	if errE := o.saveRedirects(htmlRoot); errE != nil {
		return errE
	}

	vp := o.newVariantPipeline(htmlRoot)

	if errE := o.saveArticles(variant, htmlRoot, vp); errE != nil {
		_ = vp.download.Close()
		_ = vp.optimize.Close()
		return errE
	}

	// drainDownloadQueue / drainOptimizationQueue (§4.G): the queue-drain idiom ensures every
	// in-flight and late-arriving item (a download scheduling an optimization) has actually
	// completed before the phase advances.
	vp.download.Drain()
	if errE := closeErr(vp.download.Close()); errE != nil {
		return errE
	}
	vp.optimize.Drain()
	if errE := closeErr(vp.optimize.Close()); errE != nil {
		return errE
	}

	if errE := o.buildZim(variant, htmlRoot); errE != nil {
		return errE
	}

	return o.endProcess(variant, htmlRoot)
}

func closeErr(err error) errors.E {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// endProcess is the per-variant teardown of §4.G: the intermediate file tree is removed once
// its archive exists, unless keepHtml asks for it (or no archive was produced at all, in which
// case the tree is the deliverable).
func (o *Orchestrator) endProcess(variant run.DumpVariant, htmlRoot string) errors.E {
	if !o.RunCtx.Config.KeepHTML && !variant.NoZim {
		if err := os.RemoveAll(htmlRoot); err != nil {
			return errors.WithStack(err)
		}
	}
	o.RunCtx.Logger.Info().Str("variant", variant.Name()).Msg("dump variant complete")
	return nil
}

func (o *Orchestrator) shutdown() errors.E {
	if o.RunCtx.DiskCache != nil && !o.RunCtx.Config.SkipCacheCleaning {
		if errE := o.RunCtx.DiskCache.Sweep(o.RunCtx.Logger); errE != nil {
			return errE
		}
	}
	if errE := o.deleteKVDatabases(); errE != nil {
		return errE
	}
	fetcher.Close(o.RunCtx.HTTPClient)
	return nil
}

func (o *Orchestrator) deleteKVDatabases() errors.E {
	store := o.RunCtx.KVStore
	return store.Del( //nolint:wrapcheck
		o.RunCtx.Ctx(),
		store.DB(kvstore.SuffixRedirects),
		store.DB(kvstore.SuffixDetails),
		store.DB(kvstore.SuffixMedia),
		store.DB(kvstore.SuffixCachedMediaToCheck),
	)
}

// runTime is the single place run-start wall-clock time is read, kept as a seam so tests can
// fix it.
var runTime = time.Now //nolint:gochecknoglobals
