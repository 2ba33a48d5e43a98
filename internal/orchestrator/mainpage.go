package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

const indexFilename = "index.htm"

// getMainPage writes htmlRoot/index.htm for one dump variant. Generating an actual listing page
// when no single mirrored article serves as the main page is explicitly out of scope (§1
// "main-page generation", delegated to an external collaborator); what this implements is the
// contract the core must still satisfy: when the resolved main page (§4.D "Main-page title") is
// itself one of the mirrored articles, index.htm is a redirect to its article file, matching the
// §9 open-question decision that --welcome resolves to that same article base.
func (o *Orchestrator) getMainPage(htmlRoot string) errors.E {
	if o.mainPage == "" {
		o.RunCtx.Logger.Warn().Msg("no main page resolved, index.htm left to external main-page generation")
		return nil
	}
	if _, ok := o.RunCtx.ArticleID(o.mainPage); !ok {
		o.RunCtx.Logger.Warn().Str("title", o.mainPage).Msg("main page is not a mirrored article, index.htm left to external main-page generation")
		return nil
	}

	target := wikipedia.ArticleFilename(o.mainPage)
	return errors.WithStack(os.WriteFile(filepath.Join(htmlRoot, indexFilename), []byte(o.redirectHTML(target)), 0o644)) //nolint:gosec,mnd
}

// redirectHTML renders a meta-refresh page to target, carrying the wiki's text direction
// resolved at getTextDirection.
func (o *Orchestrator) redirectHTML(target string) string {
	dir := o.textDirection
	if dir == "" {
		dir = "ltr"
	}
	return fmt.Sprintf(`<!DOCTYPE html><html dir=%q><head><meta charset="utf-8"><meta http-equiv="refresh" content="0; url=%s"></head><body></body></html>`, dir, target)
}

// welcomeArgument resolves the archive-builder's single --welcome argument (§9 "Open question
// — main-page handling"): the mirrored main page's article base when configured, else index.htm.
func (o *Orchestrator) welcomeArgument() string {
	if o.mainPage != "" {
		if _, ok := o.RunCtx.ArticleID(o.mainPage); ok {
			return wikipedia.ArticleFilename(o.mainPage)
		}
	}
	return indexFilename
}
