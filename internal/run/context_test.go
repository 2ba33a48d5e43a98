package run_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

func newTestContext(t *testing.T) *run.Context {
	t.Helper()

	cfg := &run.Config{
		MWUrl:      mustParse(t, "https://en.wikipedia.org"),
		AdminEmail: "admin@example.org",
	}
	runCtx, errE := run.NewContext(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, errE)
	t.Cleanup(runCtx.Cancel)
	return runCtx
}

func TestContextArticleIDs(t *testing.T) {
	t.Parallel()

	runCtx := newTestContext(t)

	_, ok := runCtx.ArticleID("Paris")
	assert.False(t, ok)

	runCtx.SetArticleID("Paris", run.ArticleID{Revision: 42, Timestamp: 1000})
	id, ok := runCtx.ArticleID("Paris")
	require.True(t, ok)
	assert.Equal(t, int64(42), id.Revision)

	runCtx.SetArticleID("Lyon", run.ArticleID{Revision: 7})
	assert.ElementsMatch(t, []string{"Paris", "Lyon"}, runCtx.ArticleTitles())

	runCtx.DeleteArticleID("Paris")
	_, ok = runCtx.ArticleID("Paris")
	assert.False(t, ok)
}

func TestContextIsMirrored(t *testing.T) {
	t.Parallel()

	runCtx := newTestContext(t)
	runCtx.SetArticleID("Paris", run.ArticleID{Revision: 1})

	assert.True(t, runCtx.IsMirrored("Paris"))
	assert.False(t, runCtx.IsMirrored("Lyon"))
	assert.False(t, runCtx.IsMirrored("Category:Capitals"))

	runCtx.SetContentNamespaces(map[string]bool{"Category": true})
	assert.True(t, runCtx.IsMirrored("Category:Capitals"))
	assert.False(t, runCtx.IsMirrored("Template:Infobox"))
}

func TestContextRunPrefix(t *testing.T) {
	t.Parallel()

	first := newTestContext(t)
	second := newTestContext(t)

	assert.NotEqual(t, first.RunPrefix, second.RunPrefix)
	assert.NotContains(t, first.RunPrefix, "-")
}

func TestContextCancel(t *testing.T) {
	t.Parallel()

	runCtx := newTestContext(t)
	require.NoError(t, runCtx.Ctx().Err())
	runCtx.Cancel()
	assert.Error(t, runCtx.Ctx().Err())
}
