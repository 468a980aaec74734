// Command multimirror downloads a file in parallel from one or more
// HTTP mirrors into a single output file.
package main

import (
	"os"

	"github.com/multimirror/multimirror/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
