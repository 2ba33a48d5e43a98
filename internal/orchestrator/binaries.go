package orchestrator

import (
	"os/exec"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// requiredBinaries are the external tools needed regardless of dump variant (§6 "External
// binaries required").
var requiredBinaries = []string{"jpegoptim", "pngquant", "gifsicle", "advdef", "file", "stat", "convert"} //nolint:gochecknoglobals

// CheckBinaries verifies every external binary this run will need is on PATH, fatal at startup
// if any is missing (§7). zimwriterfs is only required when at least one requested variant will
// actually produce an archive (i.e., does not set nozim).
func CheckBinaries(variants []run.DumpVariant) errors.E {
	needed := append([]string{}, requiredBinaries...)
	for _, v := range variants {
		if !v.NoZim {
			needed = append(needed, "zimwriterfs")
			break
		}
	}

	var missing []string
	for _, bin := range needed {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("required external binaries not found on PATH: %v", missing)
	}
	return nil
}
