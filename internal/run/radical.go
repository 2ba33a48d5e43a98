package run

import (
	"path/filepath"
	"strings"
	"time"
)

// iso639Alpha3 maps a subset of ISO-639-2 (3-letter) codes to their ISO-639-1 (2-letter)
// equivalents; LangSuffix matches a hostname's leading label against its keys (§6 "Filename
// radical"). Hostnames for the overwhelming majority of WMF wikis use the ISO-639-1 code
// directly, so this table only needs to cover the handful of languages where the two differ in
// a way that shows up in practice (e.g. a custom mirror naming itself with the 3-letter form).
var iso639Alpha3 = map[string]string{ //nolint:gochecknoglobals
	"zho": "zh", "deu": "de", "fra": "fr", "nld": "nl", "ces": "cs",
	"ell": "el", "fas": "fa", "msa": "ms", "ron": "ro", "slk": "sk",
}

// LangSuffix derives the langSuffix component of the filename radical (§6): the ISO-639-2
// (3-letter) code when that code appears in hostname, else the ISO-639-1 (2-letter) code taken
// from the hostname's leading subdomain label.
func LangSuffix(hostname string) string {
	labels := strings.Split(hostname, ".")
	if len(labels) == 0 {
		return ""
	}
	first := strings.ToLower(labels[0])
	for code3 := range iso639Alpha3 {
		if first == code3 {
			return code3
		}
	}
	return first
}

// Creator derives the creator component of the filename radical (§6): capitalized,
// wiki-host-derived. E.g. "en.wikipedia.org" -> "Wikipedia".
func Creator(hostname string) string {
	labels := strings.Split(hostname, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "org" || label == "com" || label == "net" || len(label) <= 3 {
			continue
		}
		return strings.ToUpper(label[:1]) + label[1:]
	}
	if len(labels) > 0 {
		label := labels[len(labels)/2] //nolint:mnd
		return strings.ToUpper(label[:1]) + label[1:]
	}
	return "Wiki"
}

// Selection returns the "selection" component of the filename radical: "all" for namespace-mode
// crawls, or the titles-file basename (without extension) for file-mode crawls.
func Selection(articleList string) string {
	if articleList == "" {
		return "all"
	}
	base := filepath.Base(articleList)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FilenameRadical builds the stem described in §6: "{creator}_{langSuffix}[_selection][_nopic][_YYYY-MM]".
// A non-empty prefix replaces the host-derived "{creator}_{langSuffix}" stem (the filenamePrefix
// configuration option).
func FilenameRadical(prefix, hostname, articleList string, variant DumpVariant, now time.Time) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
	} else {
		b.WriteString(Creator(hostname))
		b.WriteString("_")
		b.WriteString(LangSuffix(hostname))
	}

	selection := Selection(articleList)
	if selection != "all" {
		b.WriteString("_")
		b.WriteString(selection)
	}

	b.WriteString(variant.Suffix())

	b.WriteString("_")
	b.WriteString(now.Format("2006-01"))

	return b.String()
}
