package wikipedia

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"path"
	"regexp"
	"strconv"
)

// mediaURLPattern implements the media URL regex of §6. Groups: 2 = path-segment filename,
// 4 = scaled-width prefix ("NNNpx-") or empty, 5 = base name, 6 = first extension,
// 7 = second extension.
var mediaURLPattern = regexp.MustCompile(`^(.*/)([^/]+)(/)(\d+px-|)(.+?)(\.[A-Za-z0-9]{2,6}|)(\.[A-Za-z0-9]{2,6}|)$`)

const (
	maxFilenameBaseBytes = 249
	// Article filenames have a 250-byte ceiling; a name of exactly 250 bytes passes untouched.
	maxArticleFilenameBytes = 250
	truncatedBaseBytes      = 239
	hashSuffixHexChars      = 2
)

// MediaRef is the (filenameBase, width) pair of §3: for a given run and filenameBase, only the
// largest requested width is ever downloaded.
type MediaRef struct {
	FilenameBase string
	Width        int
}

// ParseMediaURL extracts a MediaRef from a media URL per the §6 regex and filename-base rule:
// filenameBase is the longer of group 2 and group5+(group6 or ".svg")+group7, truncated to keep
// the whole thing under 250 UTF-8 bytes. ok is false if the URL does not match the expected shape.
func ParseMediaURL(url string) (ref MediaRef, ok bool) {
	m := mediaURLPattern.FindStringSubmatch(url)
	if m == nil {
		return MediaRef{}, false
	}

	pathSegment := m[2]
	widthPrefix := m[4]
	base := m[5]
	ext1 := m[6]
	ext2 := m[7]

	if ext1 == "" {
		ext1 = ".svg"
	}
	candidate := base + ext1 + ext2

	filenameBase := pathSegment
	if len(candidate) > len(filenameBase) {
		filenameBase = candidate
	}

	width := 0
	if widthPrefix != "" {
		// widthPrefix is "NNNpx-"; strip the suffix to parse the digits.
		digits := widthPrefix[:len(widthPrefix)-len("px-")]
		if n, err := strconv.Atoi(digits); err == nil {
			width = n
		}
	}

	return MediaRef{FilenameBase: TruncateFilenameBase(filenameBase), Width: width}, true
}

// CanonicalMediaURL strips the scaled-width prefix ("NNNpx-") from a media URL, so that every
// width variant of one file shares a single disk-cache entry whose recorded width can then be
// compared against later requests (§4.F). URLs that do not match the media shape are returned
// unchanged.
func CanonicalMediaURL(url string) string {
	m := mediaURLPattern.FindStringSubmatch(url)
	if m == nil || m[4] == "" {
		return url
	}
	return m[1] + m[2] + m[3] + m[5] + m[6] + m[7]
}

// TruncateFilenameBase applies the §6 truncation rule: if the UTF-8 length exceeds 249 bytes,
// truncate the base (keeping the extension) to 239-minus-extension-length bytes and append the
// first 2 hex characters of MD5(base) plus the extension.
func TruncateFilenameBase(filenameBase string) string {
	return truncateFilename(filenameBase, maxFilenameBaseBytes)
}

// TruncateArticleFilename applies the same rule with the article files' 250-byte ceiling.
func TruncateArticleFilename(filename string) string {
	return truncateFilename(filename, maxArticleFilenameBytes)
}

func truncateFilename(filenameBase string, maxBytes int) string {
	if len(filenameBase) <= maxBytes {
		return filenameBase
	}

	ext := path.Ext(filenameBase)
	base := filenameBase[:len(filenameBase)-len(ext)]

	sum := md5.Sum([]byte(base)) //nolint:gosec
	suffix := hex.EncodeToString(sum[:])[:hashSuffixHexChars]

	keep := truncatedBaseBytes - len(ext)
	if keep < 0 {
		keep = 0
	}
	base = truncateUTF8(base, keep)

	return base + suffix + ext
}

// truncateUTF8 truncates s to at most n bytes without splitting a multi-byte rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isUTF8Boundary(s[n]) {
		n--
	}
	return s[:n]
}

func isUTF8Boundary(b byte) bool {
	return b&0xC0 != 0x80
}
