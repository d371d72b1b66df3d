// Command tillsync runs the local-first order sync engine for a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
