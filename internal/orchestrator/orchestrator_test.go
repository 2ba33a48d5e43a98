package orchestrator

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

func newTestOrchestrator(t *testing.T, cfg *run.Config) *Orchestrator {
	t.Helper()

	if cfg.MWUrl == nil {
		u, err := url.Parse("https://en.wikipedia.org")
		require.NoError(t, err)
		cfg.MWUrl = u
	}
	if cfg.AdminEmail == "" {
		cfg.AdminEmail = "admin@example.org"
	}

	runCtx, errE := run.NewContext(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, errE)
	t.Cleanup(runCtx.Cancel)

	o := New(runCtx)
	o.startTime = time.Date(2015, time.June, 1, 12, 0, 0, 0, time.UTC)
	return o
}

func TestRadicalFor(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &run.Config{})
	assert.Equal(t, "Wikipedia_en_2015-06", o.radicalFor(run.DumpVariant{}))
	assert.Equal(t, "Wikipedia_en_nopic_2015-06", o.radicalFor(run.DumpVariant{NoPic: true}))

	prefixed := newTestOrchestrator(t, &run.Config{FilenamePrefix: "custom"})
	assert.Equal(t, "custom_nopic_2015-06", prefixed.radicalFor(run.DumpVariant{NoPic: true}))
}

func TestCheckResume(t *testing.T) {
	t.Parallel()

	outputDir := t.TempDir()
	o := newTestOrchestrator(t, &run.Config{OutputDirectory: outputDir, Resume: true})

	variants := []run.DumpVariant{{}, {NoPic: true}}

	// Nothing exists yet: everything remains to build.
	assert.Equal(t, variants, o.checkResume(variants))

	// The full variant's archive exists: only nopic remains.
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "Wikipedia_en_2015-06.zim"), []byte("zim"), 0o644))
	assert.Equal(t, []run.DumpVariant{{NoPic: true}}, o.checkResume(variants))

	// Without resume mode, existing archives are ignored.
	o.RunCtx.Config.Resume = false
	assert.Equal(t, variants, o.checkResume(variants))
}

func TestWelcomeArgument(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &run.Config{})

	// No main page resolved: the static index page is the welcome target.
	assert.Equal(t, "index.htm", o.welcomeArgument())

	// A resolved but unmirrored main page still falls back to index.htm.
	o.mainPage = "Accueil"
	assert.Equal(t, "index.htm", o.welcomeArgument())

	o.RunCtx.SetArticleID("Accueil", run.ArticleID{Revision: 1})
	assert.Equal(t, "Accueil.html", o.welcomeArgument())
}

func TestGetMainPage(t *testing.T) {
	t.Parallel()

	htmlRoot := t.TempDir()
	o := newTestOrchestrator(t, &run.Config{})
	o.textDirection = "rtl"
	o.mainPage = "Accueil"
	o.RunCtx.SetArticleID("Accueil", run.ArticleID{Revision: 1})

	require.NoError(t, o.getMainPage(htmlRoot))

	data, err := os.ReadFile(filepath.Join(htmlRoot, "index.htm"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `url=Accueil.html`)
	assert.Contains(t, string(data), `dir="rtl"`)
}

func TestGetMainPageUnmirrored(t *testing.T) {
	t.Parallel()

	htmlRoot := t.TempDir()
	o := newTestOrchestrator(t, &run.Config{})
	o.mainPage = "Accueil"

	require.NoError(t, o.getMainPage(htmlRoot))
	assert.NoFileExists(t, filepath.Join(htmlRoot, "index.htm"))
}

func TestSaveFavicon(t *testing.T) {
	t.Parallel()

	htmlRoot := t.TempDir()
	favicon := filepath.Join(t.TempDir(), "icon.png")
	require.NoError(t, os.WriteFile(favicon, []byte("pngdata"), 0o644))

	o := newTestOrchestrator(t, &run.Config{CustomZimFavicon: favicon})
	require.NoError(t, o.saveFavicon(htmlRoot))

	data, err := os.ReadFile(filepath.Join(htmlRoot, "favicon.png"))
	require.NoError(t, err)
	assert.Equal(t, "pngdata", string(data))
}

func TestSaveFaviconUnconfigured(t *testing.T) {
	t.Parallel()

	htmlRoot := t.TempDir()
	o := newTestOrchestrator(t, &run.Config{})
	require.NoError(t, o.saveFavicon(htmlRoot))
	assert.NoFileExists(t, filepath.Join(htmlRoot, "favicon.png"))
}

func TestGetMediaBase(t *testing.T) {
	t.Parallel()

	local, ok := getMediaBase("https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Tour_Eiffel.jpg/300px-Tour_Eiffel.jpg")
	require.True(t, ok)
	assert.Equal(t, "m/Tour_Eiffel.jpg", local)

	_, ok = getMediaBase("nonsense")
	assert.False(t, ok)
}

func TestCreateSubDirs(t *testing.T) {
	t.Parallel()

	outputDir := t.TempDir()
	o := newTestOrchestrator(t, &run.Config{OutputDirectory: outputDir})

	htmlRoot, errE := o.createSubDirs(run.DumpVariant{NoPic: true})
	require.NoError(t, errE)

	assert.Equal(t, filepath.Join(outputDir, "Wikipedia_en_nopic_2015-06"), htmlRoot)
	assert.DirExists(t, filepath.Join(htmlRoot, "m"))
	assert.DirExists(t, filepath.Join(htmlRoot, "s"))
	assert.DirExists(t, filepath.Join(htmlRoot, "j"))
}
