package main

import (
	"os"

	"github.com/ftpferry/ftpferry/internal/cli"
	"github.com/ftpferry/ftpferry/internal/version"
)

// Version information, set by ldflags during build.
var (
	Version   = "v1.3.0"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	os.Exit(cli.Execute())
}
