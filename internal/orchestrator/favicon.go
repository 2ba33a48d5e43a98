package orchestrator

import (
	"io"
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
)

const faviconFilename = "favicon.png"

// saveFavicon writes htmlRoot/favicon.png, per §6 "On-disk layout". Producing the required
// 48×48 PNG from an arbitrary source image is explicitly out of scope (§1 "favicon resizing");
// this implements only the contract the core exposes: a pre-resized favicon supplied via
// customZimFavicon is copied into place, and a run without one proceeds without a favicon file
// rather than failing the whole run, since the archive-builder tolerates its absence.
func (o *Orchestrator) saveFavicon(htmlRoot string) errors.E {
	cfg := o.RunCtx.Config
	if cfg.CustomZimFavicon == "" {
		o.RunCtx.Logger.Warn().Msg("no customZimFavicon configured, skipping favicon")
		return nil
	}

	src, err := os.Open(filepath.Clean(cfg.CustomZimFavicon))
	if err != nil {
		return errors.WithStack(err)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(filepath.Join(htmlRoot, faviconFilename))
	if err != nil {
		return errors.WithStack(err)
	}
	defer dst.Close() //nolint:errcheck

	if _, err := io.Copy(dst, src); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
