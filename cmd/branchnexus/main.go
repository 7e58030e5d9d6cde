package main

import (
	"os"

	"github.com/wkaandemir/branch-nexus/internal/cmd"
)

// Version information set via ldflags at build time
var version = "dev"

func main() {
	cmd.SetVersion(version)
	os.Exit(cmd.Execute())
}
