package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the samserver build version, overridden at link time via
// -ldflags, grounded in cmd/dex/version.go.
var Version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf(`samserver Version: %s
Go Version: %s
Go OS/ARCH: %s %s
`, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
