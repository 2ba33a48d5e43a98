package wikipedia_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

func TestCanonicalTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Tour_Eiffel", wikipedia.CanonicalTitle("Tour Eiffel"))
	assert.Equal(t, "Tour_Eiffel", wikipedia.CanonicalTitle("  Tour Eiffel "))
	assert.Equal(t, "Łódź", wikipedia.CanonicalTitle("Łódź"))
	assert.Equal(t, "", wikipedia.CanonicalTitle("   "))
}

func TestArticleBase(t *testing.T) {
	t.Parallel()

	t.Run("plain title", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "Paris", wikipedia.ArticleBase("Paris"))
		assert.Equal(t, "Paris.html", wikipedia.ArticleFilename("Paris"))
	})

	t.Run("slash becomes underscore", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "AC_DC", wikipedia.ArticleBase("AC/DC"))
	})

	t.Run("decodes back to the title", func(t *testing.T) {
		t.Parallel()

		title := "Łódź_(miasto)"
		base := wikipedia.ArticleBase(title)
		decoded, err := url.PathUnescape(base)
		require.NoError(t, err)
		assert.Equal(t, title, decoded)
	})

	t.Run("idempotent under re-encode", func(t *testing.T) {
		t.Parallel()

		base := wikipedia.ArticleBase("AC/DC")
		assert.Equal(t, base, wikipedia.ArticleBase(base))
	})

	t.Run("exactly 250-byte filename passes untouched", func(t *testing.T) {
		t.Parallel()

		title := strings.Repeat("x", 250-len(".html"))
		assert.Equal(t, title+".html", wikipedia.ArticleFilename(title))

		longer := strings.Repeat("x", 250-len(".html")+1)
		truncated := wikipedia.ArticleFilename(longer)
		assert.NotEqual(t, longer+".html", truncated)
		assert.LessOrEqual(t, len(truncated), 250)
	})

	t.Run("overlong title is truncated under the filename ceiling", func(t *testing.T) {
		t.Parallel()

		title := strings.Repeat("x", 260)
		filename := wikipedia.ArticleFilename(title)
		assert.LessOrEqual(t, len(filename), 250)
		assert.True(t, strings.HasSuffix(filename, ".html"))
		// Stable across calls: the hash suffix pins the truncation.
		assert.Equal(t, filename, wikipedia.ArticleFilename(title))
	})

	t.Run("multi-byte title never splits a rune", func(t *testing.T) {
		t.Parallel()

		title := strings.Repeat("é", 200)
		base := wikipedia.ArticleBase(title)
		assert.LessOrEqual(t, len(base)+len(".html"), 250)
		_, err := url.PathUnescape(base)
		assert.NoError(t, err)
	})
}
