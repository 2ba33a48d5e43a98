// Command mwoffliner crawls a MediaWiki-family wiki and produces an offline, self-contained
// bundle of its articles, optionally packed into a single archive by zimwriterfs.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"
)

// exitCodePanic is the process exit code for any uncaught error escaping the run.
const exitCodePanic = 42

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			os.Exit(exitCodePanic)
		}
	}()

	var config Config
	cli.Run(&config, kong.Vars{}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
	})
}
