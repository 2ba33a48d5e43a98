package orchestrator

import (
	"os"

	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// checkResume implements the "checkResume" phase of §4.G: in resume mode, drop every requested
// variant whose final archive already exists on disk, leaving the remaining set to be built.
func (o *Orchestrator) checkResume(variants []run.DumpVariant) []run.DumpVariant {
	if !o.RunCtx.Config.Resume {
		return variants
	}

	remaining := make([]run.DumpVariant, 0, len(variants))
	for _, v := range variants {
		archivePath := o.archivePath(v)
		if _, err := os.Stat(archivePath); err == nil {
			o.RunCtx.Logger.Info().Str("archive", archivePath).Msg("archive already exists, skipping variant (resume)")
			continue
		}
		remaining = append(remaining, v)
	}
	return remaining
}
