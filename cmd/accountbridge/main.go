// Command accountbridge manages multiple cloud storage accounts and moves
// files directly between them.
package main

import (
	"fmt"
	"os"

	"github.com/rescale-labs/accountbridge/internal/cli"
)

var (
	Version   = "0.1.0-dev"
	BuildTime = "2026-07-31"
)

func main() {
	cli.Version = Version

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
