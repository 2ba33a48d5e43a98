package orchestrator

import (
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/diskcache"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

const dirPerm = 0o755

// createDirectories is the "createDirectories" phase of §4.G: it ensures the output and
// temporary directories this run needs exist before any phase that writes into them runs.
func (o *Orchestrator) createDirectories() errors.E {
	cfg := o.RunCtx.Config
	for _, dir := range []string{cfg.OutputDirectory, cfg.TmpDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// prepareCache opens the run's disk cache (component B) and writes its staleness sentinel,
// per §4.B. The cache directory is named by the variant-less filename radical (§6 "Cache
// layout") rather than the run prefix, so a later run over the same wiki and selection finds
// its warm entries.
func (o *Orchestrator) prepareCache() errors.E {
	cacheRoot := filepath.Join(o.RunCtx.Config.CacheDirectory, o.radicalFor(run.DumpVariant{}))
	cache, errE := diskcache.Open(cacheRoot)
	if errE != nil {
		return errE
	}
	if errE := cache.WriteRef(); errE != nil {
		return errE
	}
	o.RunCtx.DiskCache = cache
	return nil
}

// createSubDirs creates a dump variant's on-disk layout (§6 "On-disk layout"): s/, j/, m/
// beneath its htmlRoot.
func (o *Orchestrator) createSubDirs(variant run.DumpVariant) (string, errors.E) {
	htmlRoot := o.RunCtx.Config.HTMLRoot(o.radicalFor(variant))
	for _, sub := range []string{run.MediaSubdir, run.StylesSubdir, run.ScriptsSubdir} {
		if err := os.MkdirAll(filepath.Join(htmlRoot, sub), dirPerm); err != nil {
			return "", errors.WithStack(err)
		}
	}
	return htmlRoot, nil
}
