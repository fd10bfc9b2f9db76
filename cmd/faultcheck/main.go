package main

import (
	"os"

	"github.com/go-delve/faultcheck/cmd/faultcheck/cmds"
	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.FaultcheckVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		logflags.WriteError(err.Error())
		os.Exit(1)
	}
}
