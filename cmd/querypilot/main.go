// Command querypilot translates natural-language commands into MongoDB
// operations and runs them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/querypilot/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.IsReported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
