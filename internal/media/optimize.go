package media

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/queue"
)

const maxOptimizeAttempts = 5

// Optimizer drives the optimization queue (component F, second half): one external-tool
// invocation per downloaded media file, chosen by format, argv-only per §9's "Shell
// interpolation" design note — no shell tokens are ever built, every path is passed directly
// to exec.CommandContext.
type Optimizer struct {
	Logger zerolog.Logger

	queue *queue.Queue[string]
}

// Start launches the bounded optimization queue (width per §5's "Optimization" row).
func (o *Optimizer) Start(ctx context.Context, width int) {
	o.queue = queue.New(ctx, width, o.optimize)
}

// Enqueue submits path for optimization.
func (o *Optimizer) Enqueue(path string) {
	if err := o.queue.Submit(path); err != nil {
		o.Logger.Debug().Str("path", path).Err(err).Msg("optimization queue closed, dropping item")
	}
}

// Drain waits until every submitted file has been optimized (or given up on).
func (o *Optimizer) Drain() {
	o.queue.Drain()
}

// Close stops the optimization queue.
func (o *Optimizer) Close() error {
	return o.queue.Close() //nolint:wrapcheck
}

func (o *Optimizer) optimize(ctx context.Context, path string) error {
	originalSize, ok := sizeOf(path)
	if !ok {
		// File vanished (e.g. replaced by a higher-width download mid-run); skip silently,
		// per §4.F "If the file has grown during the run... skip silently" (the file is gone
		// entirely is the same non-fatal shape).
		return nil
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	var lastErr error
	for attempt := 1; attempt <= maxOptimizeAttempts; attempt++ {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err()) //nolint:wrapcheck
		}

		currentSize, ok := sizeOf(path)
		if !ok {
			return nil
		}
		if currentSize != originalSize {
			// Replaced by a higher-width download since this item's optimization began.
			o.Logger.Debug().Str("path", path).Msg("media file changed since enqueue, skipping optimization")
			return nil
		}

		err := runOptimizer(ctx, format, path)
		if err == nil {
			return nil
		}
		lastErr = err

		probed, probeErr := probeMimeFormat(ctx, path)
		if probeErr == nil && probed != "" && probed != format {
			o.Logger.Debug().Str("path", path).Str("probed", probed).Msg("retrying optimization with probed format")
			format = probed
		}
	}

	// Optimization tool failure after retries: logged, original file retained (§7).
	o.Logger.Error().Str("path", path).Err(lastErr).Msg("optimization failed after retries, keeping original")
	return nil
}

func sizeOf(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// runOptimizer picks and runs the external command for format, per §4.F, accepting the result
// only if it strictly shrank the file (png/gif) or returned success (jpg, which optimizes in
// place).
func runOptimizer(ctx context.Context, format, path string) error {
	switch format {
	case "jpg", "jpeg":
		return exec.CommandContext(ctx, "jpegoptim", "-s", "-f", "--all-normal", "-m40", path).Run() //nolint:wrapcheck,mnd
	case "png":
		return optimizePNG(ctx, path)
	case "gif":
		return optimizeGIF(ctx, path)
	default:
		return nil
	}
}

func optimizePNG(ctx context.Context, path string) error {
	tmp := path + ".mwo-" + strconv.FormatInt(int64(os.Getpid()), 10) + ".tmp"
	defer os.Remove(tmp) //nolint:errcheck

	if err := exec.CommandContext(ctx, "pngquant", "--nofs", "--force", "--ext="+filepath.Ext(tmp), path).Run(); err != nil { //nolint:wrapcheck
		return err //nolint:wrapcheck
	}
	quantized := strings.TrimSuffix(path, filepath.Ext(path)) + filepath.Ext(tmp)
	defer os.Remove(quantized) //nolint:errcheck

	if err := exec.CommandContext(ctx, "advdef", "-q", "-z", "-4", "-i", "5", quantized).Run(); err != nil { //nolint:wrapcheck,mnd
		return err //nolint:wrapcheck
	}

	return acceptIfSmaller(quantized, path)
}

func optimizeGIF(ctx context.Context, path string) error {
	tmp := path + ".mwo-" + strconv.FormatInt(int64(os.Getpid()), 10) + ".tmp"
	defer os.Remove(tmp) //nolint:errcheck

	cmd := exec.CommandContext(ctx, "gifsicle", "--colors", "64", "-O3", path, "-o", tmp) //nolint:mnd
	if err := cmd.Run(); err != nil {
		return err //nolint:wrapcheck
	}

	return acceptIfSmaller(tmp, path)
}

func acceptIfSmaller(candidate, original string) error {
	candidateSize, ok := sizeOf(candidate)
	if !ok {
		return errors.Errorf("optimizer did not produce output %q", candidate) //nolint:wrapcheck
	}
	originalSize, ok := sizeOf(original)
	if ok && candidateSize >= originalSize {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(candidate))
	if err != nil {
		return err //nolint:wrapcheck
	}
	return os.WriteFile(original, data, 0o644) //nolint:gosec,mnd,wrapcheck
}

// probeMimeFormat re-probes path's actual MIME type via `file -b --mime-type`, used when the
// chosen command fails because the extension did not match the real content (§4.F).
func probeMimeFormat(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, "file", "-b", "--mime-type", path).Output()
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	mime := strings.TrimSpace(string(out))
	switch mime {
	case "image/jpeg":
		return "jpg", nil
	case "image/png":
		return "png", nil
	case "image/gif":
		return "gif", nil
	default:
		return "", nil
	}
}
