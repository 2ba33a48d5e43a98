package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/kvstore"
	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

const redirectIndexFilename = "redirects.idx"

// saveHTMLRedirects and saveRedirectIndex implement the two alternative representations named
// in §6 "Redirect index" / §6 configuration option "writeHtmlRedirects": one HTML file per
// redirect (src -> dst meta-refresh), or a single TAB-separated text index consumed by the
// archive-builder. Exactly one runs per variant, chosen by cfg.WriteHTMLRedirects.
//
// For every src in the redirects store, §8 invariant 2 requires that src never also appear as a
// fetched article; callers only ever reach these from the redirect store, never from
// ArticleTitles, so that invariant holds by construction.
func (o *Orchestrator) saveRedirects(htmlRoot string) errors.E {
	if o.RunCtx.Config.WriteHTMLRedirects {
		return o.saveHTMLRedirects(htmlRoot)
	}
	return o.saveRedirectIndex(htmlRoot)
}

func (o *Orchestrator) saveHTMLRedirects(htmlRoot string) errors.E {
	redirects, errE := o.redirectPairs()
	if errE != nil {
		return errE
	}
	for src, dst := range redirects {
		content := o.redirectHTML(wikipedia.ArticleFilename(dst))
		path := filepath.Join(htmlRoot, wikipedia.ArticleFilename(src))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec,mnd
			return errors.WithStack(err)
		}
	}
	return nil
}

// saveRedirectIndex writes the text index described in §6: one line per redirect, TAB-separated:
// "A\t{articleBase(src)}\t{srcTitleWithSpaces}\t{articleBase(dst)}\n".
func (o *Orchestrator) saveRedirectIndex(htmlRoot string) errors.E {
	redirects, errE := o.redirectPairs()
	if errE != nil {
		return errE
	}

	f, err := os.Create(filepath.Join(htmlRoot, redirectIndexFilename))
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	for src, dst := range redirects {
		srcWithSpaces := strings.ReplaceAll(src, "_", " ")
		line := fmt.Sprintf("A\t%s\t%s\t%s\n", wikipedia.ArticleBase(src), srcWithSpaces, wikipedia.ArticleBase(dst))
		if _, err := f.WriteString(line); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (o *Orchestrator) redirectPairs() (map[string]string, errors.E) {
	db := o.RunCtx.KVStore.DB(kvstore.SuffixRedirects)
	keys, errE := o.RunCtx.KVStore.HKeys(o.RunCtx.Ctx(), db)
	if errE != nil {
		return nil, errE
	}
	out := make(map[string]string, len(keys))
	for _, src := range keys {
		dst, ok, errE := o.RunCtx.KVStore.HGet(o.RunCtx.Ctx(), db, src)
		if errE != nil {
			return nil, errE
		}
		if ok {
			out[src] = dst
		}
	}
	return out, nil
}
