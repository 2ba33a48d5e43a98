package wikipedia

import (
	"net/url"
	"strings"
)

// CanonicalTitle normalizes a raw title per §3: spaces become underscores, case is preserved.
func CanonicalTitle(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")
}

// ArticleBase returns the filename stem for title T: URL-encoded with "/" replaced by "_", then
// truncated to the 250-byte ceiling described in §4.E/§6 (the same MD5-suffixed truncation rule
// used for media filenameBase, per the "Title truncation" testable property).
func ArticleBase(title string) string {
	encoded := strings.ReplaceAll(url.PathEscape(CanonicalTitle(title)), "%2F", "_")
	encoded = strings.ReplaceAll(encoded, "/", "_")
	truncated := TruncateArticleFilename(encoded + ".html")
	return strings.TrimSuffix(truncated, ".html")
}

// ArticleFilename returns the on-disk filename for title T: "{articleBase(T)}.html".
func ArticleFilename(title string) string {
	return ArticleBase(title) + ".html"
}
