// sagastore is a CLI for saga documents with unique correlation values.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/sagastore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
