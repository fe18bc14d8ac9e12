// Command molforge is the operational CLI for the MolForge platform.
package main

import (
	"os"

	"github.com/molforge/molforge/internal/interfaces/cli"
)

// Populated at build time via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.Version = version
	cli.GitCommit = gitCommit
	cli.BuildDate = buildDate
	os.Exit(cli.Execute())
}
