// Package run holds the run-scoped configuration and context threaded through every component,
// replacing the original's global mutable state per §9 ("Re-architect as a RunContext value").
package run

import (
	"fmt"
	"net/url"
	"path"
	"runtime"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Dump variant flags, combined as a subset of {NoPic, NoZim} per §4.G / GLOSSARY.
const (
	VariantNoPic = "nopic"
	VariantNoZim = "nozim"
)

// Config is the resolved, read-only-after-startup configuration for one run (§6 "Configuration
// options"). It is built from cmd/mwoffliner's kong-parsed flags; nothing here is mutated once
// a run has started.
type Config struct {
	MWUrl      *url.URL
	MWWikiPath string
	MWApiPath  string

	MWUsername string
	MWPassword string
	MWDomain   string

	AdminEmail string

	ArticleList string

	CacheDirectory  string
	TmpDirectory    string
	OutputDirectory string

	CustomZimFavicon      string
	CustomZimTitle        string
	CustomZimDescription  string
	CustomMainPage        string
	FilenamePrefix        string
	Publisher             string
	ParsoidURL            string
	DatabaseURL           string
	RequestTimeout        time.Duration
	Speed                 float64
	Formats               []string
	DeflateTmpHTML        bool
	KeepEmptyParagraphs   bool
	KeepHTML              bool
	MinifyHTML            bool
	Resume                bool
	SkipHTMLCache         bool
	SkipCacheCleaning     bool
	Verbose               bool
	WithZimFullTextIndex  bool
	WriteHTMLRedirects    bool
}

// Validate checks cross-field invariants that kong's struct tags cannot express, and is called
// once at startup before any phase runs.
func (c *Config) Validate() errors.E {
	if c.MWUrl == nil || c.MWUrl.Host == "" {
		return errors.New("mwUrl is required")
	}
	if c.AdminEmail == "" {
		return errors.New("adminEmail is required")
	}
	for _, f := range c.Formats {
		if f != "" && f != VariantNoPic && f != VariantNoZim && f != VariantNoPic+","+VariantNoZim {
			return errors.Errorf("unrecognized format %q", f)
		}
	}
	return nil
}

// APIURL returns the wiki's action API endpoint (§6 "Wiki HTTP API").
func (c *Config) APIURL() string {
	wikiPath := c.MWApiPath
	if wikiPath == "" {
		wikiPath = "w/api.php"
	}
	return fmt.Sprintf("%s://%s/%s", c.scheme(), c.MWUrl.Host, strings.TrimPrefix(wikiPath, "/"))
}

// ArticlePath returns the wiki's article base path (e.g. "/wiki/"), used by the HTML rewriter's
// link-target extraction (§4.E).
func (c *Config) ArticlePath() string {
	wikiPath := c.MWWikiPath
	if wikiPath == "" {
		wikiPath = "wiki"
	}
	return "/" + strings.Trim(wikiPath, "/") + "/"
}

// MobileSectionsURL returns the mobile-sections REST URL for title (§6).
func (c *Config) MobileSectionsURL(title string) string {
	return fmt.Sprintf("%s://%s/api/rest_v1/page/mobile-sections/%s", c.scheme(), c.MWUrl.Host, url.PathEscape(title))
}

func (c *Config) scheme() string {
	if c.MWUrl.Scheme != "" {
		return c.MWUrl.Scheme
	}
	// Protocol inference from port, per §4.C: 443 => https, else http.
	if c.MWUrl.Port() == "443" {
		return "https"
	}
	return "http"
}

// ArticleQueueWidth, RedirectQueueWidth, MediaQueueWidth and OptimizeQueueWidth implement the §5
// queue-width table: speed = cpuCount × speedMult.
func (c *Config) speedMult() float64 {
	if c.Speed <= 0 {
		return 1
	}
	return c.Speed
}

func (c *Config) baseSpeed() int {
	n := int(float64(runtime.NumCPU()) * c.speedMult())
	if n < 1 {
		return 1
	}
	return n
}

func (c *Config) ArticleQueueWidth() int  { return c.baseSpeed() }
func (c *Config) RedirectQueueWidth() int { return c.baseSpeed() * 3 } //nolint:mnd
func (c *Config) MediaQueueWidth() int    { return c.baseSpeed() * 5 } //nolint:mnd
func (c *Config) OptimizeQueueWidth() int { return runtime.NumCPU() * 2 } //nolint:mnd

// RedirectQueueBackoffThreshold is the pending-item count above which the title scheduler sleeps
// proportionally, per §5.
const RedirectQueueBackoffThreshold = 30000

// DumpVariants expands Formats into the concrete set of dump variants to build, each a sorted
// subset of {nopic, nozim}. An empty Formats list means the single "full" variant (neither flag).
func (c *Config) DumpVariants() []DumpVariant {
	if len(c.Formats) == 0 {
		return []DumpVariant{{}}
	}
	variants := make([]DumpVariant, 0, len(c.Formats))
	for _, f := range c.Formats {
		v := DumpVariant{}
		for _, flag := range strings.Split(f, ",") {
			switch strings.TrimSpace(flag) {
			case VariantNoPic:
				v.NoPic = true
			case VariantNoZim:
				v.NoZim = true
			case "":
			}
		}
		variants = append(variants, v)
	}
	return variants
}

// DumpVariant is one subset of {nopic, nozim} produced in a single run (GLOSSARY).
type DumpVariant struct {
	NoPic bool
	NoZim bool
}

// Suffix returns the filename fragment identifying this variant, e.g. "_nopic".
func (v DumpVariant) Suffix() string {
	var b strings.Builder
	if v.NoPic {
		b.WriteString("_" + VariantNoPic)
	}
	return b.String()
}

// Name is a short human-readable label for logging.
func (v DumpVariant) Name() string {
	if s := v.Suffix(); s != "" {
		return strings.TrimPrefix(s, "_")
	}
	return "full"
}

// MediaSubdir, StylesSubdir, ScriptsSubdir name the on-disk subdirectories of htmlRoot (§6).
const (
	MediaSubdir   = "m"
	StylesSubdir  = "s"
	ScriptsSubdir = "j"
)

// HTMLRoot returns the output directory for a dump variant's file tree, named by its radical.
func (c *Config) HTMLRoot(radical string) string {
	return path.Join(c.OutputDirectory, radical)
}
