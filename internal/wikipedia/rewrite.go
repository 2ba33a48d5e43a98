package wikipedia

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gitlab.com/tozd/go/errors"
)

// Blacklists used by blacklist filtering, §4.E item 3.
var (
	idBlacklist = map[string]bool{ //nolint:gochecknoglobals
		"purgelink": true,
	}
	classBlacklist = map[string]bool{ //nolint:gochecknoglobals
		"noprint": true, "metadata": true, "ambox": true, "stub": true,
		"topicon": true, "magnify": true, "navbar": true, "mwe-math-mathml-inline": true,
	}
	linkConditionalBlacklist = map[string]bool{ //nolint:gochecknoglobals
		"mainarticle": true, "seealso": true, "dablink": true, "rellink": true, "hatnote": true,
	}
	displayForceList = map[string]bool{ //nolint:gochecknoglobals
		"thumb": true,
	}
	// mathFallbackClass and mathExtensionTypeof identify images kept under nopic mode (§4.E item 1).
	mathFallbackClass   = "mwe-math-fallback-image-inline"
	mathExtensionTypeof = "mw:Extension/math"

	specialFilePathPrefix = "./Special:FilePath/"
)

// Rewriter holds the per-run configuration needed to rewrite an article's section HTML (§4.E).
type Rewriter struct {
	// NoPic mirrors the "nopic" dump variant: only math-fallback images are kept.
	NoPic bool
	// KeepEmptyParagraphs disables the stripping of <p> elements left empty by the other
	// transformations.
	KeepEmptyParagraphs bool
	// WikiBasePath is the wiki's base article path (e.g. "/wiki/"), used by link-target
	// extraction when an href is not already a "./"-relative one.
	WikiBasePath string
	// IsMirrored reports whether title T is mirrored by this run (in the article-id map, or,
	// for namespace crawls, its namespace prefix names a content namespace), per the "Mirrored
	// test" of §4.E.
	IsMirrored func(title string) bool
	// MediaBase returns the local on-disk path for a media source URL (getMediaBase, §6), and
	// whether a path could be derived at all.
	MediaBase func(sourceURL string) (localPath string, ok bool)
	// EnqueueMedia is called once per distinct source URL referenced by a kept <img>, scheduling
	// it on the media download queue (component F). Deduplication within a single rewrite pass
	// is handled by Rewriter itself.
	EnqueueMedia func(sourceURL string)
}

// RewriteSection applies the §4.E transformations, in order, to one section's HTML body and
// returns the cleaned HTML. seenMediaURLs carries the media-URL dedup state for the current
// rewrite pass: the caller passes the same map for every section of one article so that a media
// URL referenced by several sections enqueues a single download.
func (rw *Rewriter) RewriteSection(html string, seenMediaURLs map[string]bool) (string, errors.E) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", errors.WithStack(err)
	}

	rw.rewriteMedia(doc, seenMediaURLs)
	rw.rewriteLinks(doc)
	rw.filterBlacklist(doc)
	if !rw.KeepEmptyParagraphs {
		doc.Find("p").Each(func(_ int, p *goquery.Selection) {
			if p.Is(":empty") {
				p.Remove()
			}
		})
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return out, nil
}

// RewriteLeadURL applies the same media-URL rewriting as article images to one of the lead
// metadata URLs named in §4.E item 4 (image or pronunciation), returning the local path (or "" if
// none could be derived, mirroring image deletion for inline media).
func (rw *Rewriter) RewriteLeadURL(sourceURL string, seen map[string]bool) string {
	local, ok := rw.MediaBase(sourceURL)
	if !ok {
		return ""
	}
	if !seen[sourceURL] {
		seen[sourceURL] = true
		rw.EnqueueMedia(sourceURL)
	}
	return local
}

func (rw *Rewriter) rewriteMedia(doc *goquery.Document, seenMediaURLs map[string]bool) {
	if rw.NoPic {
		doc.Find("map").Remove()
		doc.Find("img").Each(func(_ int, img *goquery.Selection) {
			if rw.isMathFallback(img) {
				return
			}
			img.Remove()
		})
	}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, exists := img.Attr("src")
		if !exists || strings.HasPrefix(src, specialFilePathPrefix) {
			return
		}

		local, ok := rw.MediaBase(src)
		if !ok {
			img.Remove()
			return
		}

		if parent := img.Parent(); parent.Is("a") {
			href, _ := parent.Attr("href")
			target := ExtractLinkTarget(href, rw.WikiBasePath)
			if target == "" || !rw.IsMirrored(target) {
				parent.ReplaceWithSelection(img)
			}
		}

		img.SetAttr("src", local)
		img.RemoveAttr("resource")
		img.RemoveAttr("srcset")

		if !seenMediaURLs[src] {
			seenMediaURLs[src] = true
			rw.EnqueueMedia(src)
		}
	})
}

func (rw *Rewriter) isMathFallback(img *goquery.Selection) bool {
	class, _ := img.Attr("class")
	if hasClass(class, mathFallbackClass) {
		return true
	}
	typeOf, _ := img.Attr("typeof")
	return typeOf == mathExtensionTypeof
}

func (rw *Rewriter) rewriteLinks(doc *goquery.Document) {
	doc.Find("a, area").Each(func(_ int, a *goquery.Selection) {
		href, exists := a.Attr("href")
		if !exists {
			return
		}
		if geoHref, ok := ExtractGeoHref(href); ok {
			a.SetAttr("href", geoHref)
		}
	})
}

func (rw *Rewriter) filterBlacklist(doc *goquery.Document) {
	doc.Find("*[id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		if idBlacklist[id] {
			sel.Remove()
		}
	})

	doc.Find("*[class]").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		for cls := range classBlacklist {
			if hasClass(class, cls) {
				sel.Remove()
				return
			}
		}
	})

	doc.Find("*[class]").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		for cls := range linkConditionalBlacklist {
			if hasClass(class, cls) && sel.Find("a").Length() == 0 {
				sel.Remove()
				return
			}
		}
	})

	doc.Find("*[class]").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		for cls := range displayForceList {
			if hasClass(class, cls) {
				style, _ := sel.Attr("style")
				sel.SetAttr("style", clearDisplay(style))
			}
		}
	})
}

func hasClass(classAttr, class string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == class {
			return true
		}
	}
	return false
}

func clearDisplay(style string) string {
	parts := strings.Split(style, ";")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		decl := strings.TrimSpace(part)
		if decl == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(decl), "display") {
			continue
		}
		kept = append(kept, decl)
	}
	return strings.Join(kept, "; ")
}

// ExtractLinkTarget implements the link-target extraction algorithm of §4.E: parse href; if the
// path begins with "./", drop the prefix and URL-decode; else if it begins with wikiBasePath,
// drop that prefix and URL-decode; else return "". Malformed hrefs return "" rather than error,
// per §8's boundary behavior ("rewriter must not throw").
func ExtractLinkTarget(href, wikiBasePath string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	p := u.Path
	switch {
	case strings.HasPrefix(p, "./"):
		p = strings.TrimPrefix(p, "./")
	case wikiBasePath != "" && strings.HasPrefix(p, wikiBasePath):
		p = strings.TrimPrefix(p, wikiBasePath)
	default:
		return ""
	}

	decoded, err := url.PathUnescape(p)
	if err != nil {
		return ""
	}
	return decoded
}

// IsMirroredByNamespace implements the namespace half of the "Mirrored test" of §4.E: title is
// mirrored if its prefix before ":" names a content namespace.
func IsMirroredByNamespace(title string, contentNamespaces map[string]bool) bool {
	idx := strings.Index(title, ":")
	if idx < 0 {
		return false
	}
	return contentNamespaces[title[:idx]]
}
