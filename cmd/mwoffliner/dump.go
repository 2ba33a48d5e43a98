package main

import (
	"io"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/orchestrator"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// DumpCommand is the default (and only) command: it crawls a wiki per the configuration options
// of §6 and runs the full §4.G phase sequence to completion.
//
//nolint:lll
type DumpCommand struct {
	MWUrl      string `help:"Base URL of the wiki to mirror, e.g. \"https://en.wikipedia.org\"." placeholder:"URL"                        required:"" yaml:"mwUrl"`
	MWWikiPath string `default:"wiki"                                                            help:"Wiki's article base path."         placeholder:"PATH"      yaml:"mwWikiPath"`
	MWApiPath  string `default:"w/api.php"                                                        help:"Wiki's action API path."           placeholder:"PATH"      yaml:"mwApiPath"`

	MWUsername string `help:"Username for private-wiki login."               yaml:"mwUsername"`
	MWPassword string `help:"Password for private-wiki login."               yaml:"mwPassword"`
	MWDomain   string `help:"Login domain for private-wiki login."           yaml:"mwDomain"`

	AdminEmail string `help:"Administrator e-mail, sent as part of the User-Agent." placeholder:"EMAIL" required:"" yaml:"adminEmail"`

	ArticleList string `help:"Path to a file of titles, one per line, instead of crawling by namespace." placeholder:"PATH"  type:"path" yaml:"articleList"`

	CacheDirectory  string `default:".cache"  help:"Where to cache fetched bodies and media."    placeholder:"DIR" type:"path" yaml:"cacheDirectory"`
	TmpDirectory    string `default:".tmp"     help:"Where to write temporary files."             placeholder:"DIR" type:"path" yaml:"tmpDirectory"`
	OutputDirectory string `default:"."        help:"Where to write the output file tree and archive." placeholder:"DIR" type:"path" yaml:"outputDirectory"`

	CustomZimFavicon     string `help:"Path to a pre-sized 48x48 PNG favicon."         placeholder:"PATH" type:"path" yaml:"customZimFavicon"`
	CustomZimTitle       string `help:"Archive title."                                 placeholder:"TITLE"            yaml:"customZimTitle"`
	CustomZimDescription string `help:"Archive description."                           placeholder:"TEXT"             yaml:"customZimDescription"`
	CustomMainPage       string `help:"Title to use as the main page, instead of the wiki's own."         placeholder:"TITLE" yaml:"customMainPage"`

	FilenamePrefix string `help:"Prefix override for the filename radical."  placeholder:"PREFIX" yaml:"filenamePrefix"`
	Publisher      string `default:"Kiwix"   help:"Archive publisher."       placeholder:"NAME"    yaml:"publisher"`
	ParsoidURL     string `help:"Override URL for a Parsoid HTML rendering service." placeholder:"URL" yaml:"parsoidUrl"`

	DatabaseURL string `help:"PostgreSQL connection URL backing the KVStore adapter (component A)." placeholder:"URL" required:"" yaml:"databaseUrl"`

	RequestTimeout time.Duration `default:"60s" help:"Base per-attempt HTTP request timeout."                           yaml:"requestTimeout"`
	Speed          float64       `default:"1"   help:"Concurrency multiplier applied to the number of CPUs (§5)."        yaml:"speed"`
	Formats        []string      `help:"Dump variants to build, e.g. \"nopic\" or \"nopic,nozim\". Repeatable." placeholder:"VARIANT" yaml:"format"`

	DeflateTmpHTML       bool `help:"Compress intermediate article files with DEFLATE."                 yaml:"deflateTmpHtml"`
	KeepEmptyParagraphs  bool `help:"Keep empty <p> elements instead of stripping them."                 yaml:"keepEmptyParagraphs"`
	KeepHTML             bool `help:"Preserve the intermediate file tree after the archive is built."    yaml:"keepHtml"`
	MinifyHTML           bool `help:"Minify HTML passed to the archive-builder."                         yaml:"minifyHtml"`
	Resume               bool `help:"Skip variants whose final archive already exists."                  yaml:"resume"`
	SkipHTMLCache        bool `help:"Bypass the disk cache for article bodies."                          yaml:"skipHtmlCache"`
	SkipCacheCleaning    bool `help:"Do not sweep stale disk-cache entries at run end."                  yaml:"skipCacheCleaning"`
	WithZimFullTextIndex bool `help:"Request a full-text search index in the archive."                   yaml:"withZimFullTextIndex"`
	WriteHTMLRedirects   bool `help:"Write one HTML redirect file per title instead of a text index."    yaml:"writeHtmlRedirects"`
}

// Run builds a run.Config and run.Context from the parsed flags and drives the orchestrator
// through the full §4.G phase sequence. A returned errors.E is always treated as fatal by main,
// matching §7 ("exit 1 at startup" / "fatal to the run").
func (c *DumpCommand) Run(globals *Globals) errors.E {
	logger := newLogger(globals.Verbose)

	mwURL, err := url.Parse(c.MWUrl)
	if err != nil {
		return errors.Wrapf(err, "invalid mwUrl")
	}

	config := &run.Config{
		MWUrl:                mwURL,
		MWWikiPath:           c.MWWikiPath,
		MWApiPath:            c.MWApiPath,
		MWUsername:           c.MWUsername,
		MWPassword:           c.MWPassword,
		MWDomain:             c.MWDomain,
		AdminEmail:           c.AdminEmail,
		ArticleList:          c.ArticleList,
		CacheDirectory:       c.CacheDirectory,
		TmpDirectory:         c.TmpDirectory,
		OutputDirectory:      c.OutputDirectory,
		CustomZimFavicon:     c.CustomZimFavicon,
		CustomZimTitle:       c.CustomZimTitle,
		CustomZimDescription: c.CustomZimDescription,
		CustomMainPage:       c.CustomMainPage,
		FilenamePrefix:       c.FilenamePrefix,
		Publisher:            c.Publisher,
		ParsoidURL:           c.ParsoidURL,
		DatabaseURL:          c.DatabaseURL,
		RequestTimeout:       c.RequestTimeout,
		Speed:                c.Speed,
		Formats:              c.Formats,
		DeflateTmpHTML:       c.DeflateTmpHTML,
		KeepEmptyParagraphs:  c.KeepEmptyParagraphs,
		KeepHTML:             c.KeepHTML,
		MinifyHTML:           c.MinifyHTML,
		Resume:               c.Resume,
		SkipHTMLCache:        c.SkipHTMLCache,
		SkipCacheCleaning:    c.SkipCacheCleaning,
		Verbose:              globals.Verbose,
		WithZimFullTextIndex: c.WithZimFullTextIndex,
		WriteHTMLRedirects:   c.WriteHTMLRedirects,
	}
	if errE := config.Validate(); errE != nil {
		return errE
	}

	runCtx, errE := run.NewContext(rootContext(), config, logger)
	if errE != nil {
		return errE
	}
	defer runCtx.Cancel()

	httpClient, errE := fetcher.New(fetcher.Config{AdminEmail: config.AdminEmail, RequestTimeout: config.RequestTimeout}, logger)
	if errE != nil {
		return errE
	}
	runCtx.HTTPClient = httpClient

	store, errE := kvstore.Open(runCtx.Ctx(), config.DatabaseURL, logger, runCtx.RunPrefix)
	if errE != nil {
		return errE
	}
	runCtx.KVStore = store

	defer func() {
		if errE := runCtx.Close(); errE != nil {
			logger.Error().Err(errE).Msg("error closing run context")
		}
	}()

	return orchestrator.New(runCtx).Run()
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	var writer io.Writer = os.Stderr
	if verbose {
		level = zerolog.DebugLevel
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
