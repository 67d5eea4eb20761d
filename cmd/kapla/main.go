// Package main is the entry point for the kapla CLI.
package main

import (
	"os"

	"github.com/charbonnierg/kapla-v2/internal/cli"
)

// Set at build time via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
