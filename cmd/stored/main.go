// Package main is the entry point for the stored CLI.
package main

import (
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	SetVersion(versionString)
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
