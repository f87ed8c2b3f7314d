// Package main is the entrypoint for the securequery command-line tool.
package main

import (
	"os"

	"github.com/securequery-labs/securequery/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	os.Exit(cli.New().Execute())
}
