// Package main is the memforge command line: batch extraction, clustering,
// pattern detection and retrieval over the local memory store.
package main

import (
	"os"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
