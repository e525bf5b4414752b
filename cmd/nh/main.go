// Command nh runs the daily prompt pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/helix/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintln(os.Stderr, "nh:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
