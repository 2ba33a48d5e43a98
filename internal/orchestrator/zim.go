package orchestrator

import (
	"os/exec"
	"path/filepath"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// buildZim is the "buildZim" phase of §4.G: it invokes the external archive-builder
// (zimwriterfs) with argv built directly (no shell interpolation, per §9), and treats a non-zero
// exit as fatal (§7). Variants with nozim set skip archive production entirely.
func (o *Orchestrator) buildZim(variant run.DumpVariant, htmlRoot string) errors.E {
	if variant.NoZim {
		return nil
	}

	cfg := o.RunCtx.Config
	archivePath := o.archivePath(variant)

	title := cfg.CustomZimTitle
	if title == "" {
		title = o.subTitle
	}
	description := cfg.CustomZimDescription
	if description == "" {
		description = o.subTitle
	}

	args := []string{
		"--welcome", o.welcomeArgument(),
		"--favicon", faviconFilename,
		"--language", run.LangSuffix(cfg.MWUrl.Host),
		"--title", title,
		"--description", description,
		"--creator", run.Creator(cfg.MWUrl.Host),
		"--publisher", cfg.Publisher,
		"--source", cfg.MWUrl.Host,
	}
	if cfg.WithZimFullTextIndex {
		args = append(args, "--withFullTextIndex")
	}
	if cfg.MinifyHTML {
		args = append(args, "--minifyHtml")
	}
	args = append(args, htmlRoot, archivePath)

	cmd := exec.CommandContext(o.RunCtx.Ctx(), "zimwriterfs", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		errE := errors.Wrapf(err, "zimwriterfs failed")
		errors.Details(errE)["output"] = string(output)
		return errE
	}
	return nil
}

// archivePath returns the final archive file path for variant, named after the filename radical
// (§6 "Filename radical").
func (o *Orchestrator) archivePath(variant run.DumpVariant) string {
	return filepath.Join(o.RunCtx.Config.OutputDirectory, o.radicalFor(variant)+".zim")
}
