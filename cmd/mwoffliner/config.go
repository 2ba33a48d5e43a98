package main

import (
	"github.com/alecthomas/kong"

	"gitlab.com/mwoffliner/mwoffliner/internal/cli"
)

// Globals describes top-level (global) flags, shared by every command.
type Globals struct {
	Verbose bool             `help:"Enable verbose (debug-level) logging."                       short:"v" yaml:"verbose"`
	Version kong.VersionFlag `help:"Show program's version and exit."                             short:"V" yaml:"-"`
	Config  cli.ConfigFlag   `help:"Load configuration from a JSON or YAML file." name:"config" placeholder:"PATH" short:"c" yaml:"-"`
}

// Config provides configuration. It is used as configuration for the Kong command-line parser
// as well, per §6 "Configuration options".
type Config struct {
	Globals `yaml:",inline"`

	Dump DumpCommand `cmd:"" default:"withargs" help:"Crawl a wiki and produce an offline content bundle." yaml:"dump"`
}
