package wikipedia_test

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

func TestParseMediaURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		url          string
		filenameBase string
		width        int
		ok           bool
	}{
		{
			"scaled thumbnail",
			"https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg",
			"Tour_Eiffel.jpg",
			300,
			true,
		},
		{
			"unscaled file",
			"https://upload.wikimedia.org/wikipedia/commons/a/ab/Tour_Eiffel.jpg/Tour_Eiffel.jpg",
			"Tour_Eiffel.jpg",
			0,
			true,
		},
		{
			"svg rendered to png keeps both extensions",
			"https://upload.wikimedia.org/wikipedia/commons/thumb/f/f1/Flag.svg/120px-Flag.svg.png",
			"Flag.svg.png",
			120,
			true,
		},
		{
			"missing extension defaults to svg",
			"https://upload.wikimedia.org/wikipedia/commons/Chart/Chart",
			"Chart.svg",
			0,
			true,
		},
		{
			"no slashes",
			"plainfilename.jpg",
			"",
			0,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ref, ok := wikipedia.ParseMediaURL(tt.url)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.filenameBase, ref.FilenameBase)
			assert.Equal(t, tt.width, ref.Width)
		})
	}
}

func TestCanonicalMediaURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Tour_Eiffel.jpg/Tour_Eiffel.jpg",
		wikipedia.CanonicalMediaURL("https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg"))

	// Width variants converge on one canonical form.
	assert.Equal(t,
		wikipedia.CanonicalMediaURL("https://upload.wikimedia.org/a/b/F.png/120px-F.png"),
		wikipedia.CanonicalMediaURL("https://upload.wikimedia.org/a/b/F.png/300px-F.png"))

	// Unscaled and unrecognized URLs pass through unchanged.
	assert.Equal(t,
		"https://upload.wikimedia.org/a/b/F.png/F.png",
		wikipedia.CanonicalMediaURL("https://upload.wikimedia.org/a/b/F.png/F.png"))
	assert.Equal(t, "nonsense", wikipedia.CanonicalMediaURL("nonsense"))
}

func TestTruncateFilenameBase(t *testing.T) {
	t.Parallel()

	t.Run("short name unchanged", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "Tour_Eiffel.jpg", wikipedia.TruncateFilenameBase("Tour_Eiffel.jpg"))
	})

	t.Run("overlong name gets hash suffix", func(t *testing.T) {
		t.Parallel()

		base := strings.Repeat("x", 260)
		name := base + ".png"
		out := wikipedia.TruncateFilenameBase(name)

		assert.LessOrEqual(t, len(out), 249)
		assert.True(t, strings.HasSuffix(out, ".png"))

		sum := md5.Sum([]byte(base)) //nolint:gosec
		suffix := hex.EncodeToString(sum[:])[:2]
		trimmed := strings.TrimSuffix(out, ".png")
		assert.True(t, strings.HasSuffix(trimmed, suffix))
		assert.Equal(t, 239-len(".png")+len(suffix)+len(".png"), len(out))
	})

	t.Run("multi-byte runes are not split", func(t *testing.T) {
		t.Parallel()

		base := strings.Repeat("é", 150) // 300 bytes
		out := wikipedia.TruncateFilenameBase(base + ".jpg")

		assert.LessOrEqual(t, len(out), 249)
		trimmed := strings.TrimSuffix(out, ".jpg")
		// Everything before the two-character hash suffix must still be valid UTF-8.
		assert.True(t, strings.ToValidUTF8(trimmed[:len(trimmed)-2], "?") == trimmed[:len(trimmed)-2])
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		name := strings.Repeat("y", 300) + ".gif"
		assert.Equal(t, wikipedia.TruncateFilenameBase(name), wikipedia.TruncateFilenameBase(name))
	})
}
