package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version/gitCommit are stamped at build time via -ldflags; a plain
// `go build` leaves them at "dev" and "none".
var (
	version   = "dev"
	gitCommit = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kstackd %s (commit: %s)\n", version, gitCommit)
	},
}
